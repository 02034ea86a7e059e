package tasklock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingLockID   = errors.New("lock id is required")
	noOpLogger         = zap.NewNop()

	// ErrLockContention indicates the lock is held by another caller. This is
	// a transient condition; the caller should retry the whole operation.
	ErrLockContention = errors.New("tasklock: resource is locked by another caller")
)

// LockType names the critical section a lease guards.
type LockType string

const (
	// LockTypeModifyTable guards modification-number updates and other
	// structural changes to a table.
	LockTypeModifyTable LockType = "MODIFY_TABLE"
)

const (
	defaultLeaseTTL       = 30 * time.Second
	defaultObtainAttempts = 5
	defaultReleaseRetries = 10
	defaultRetryBackoff   = 100 * time.Millisecond
)

// record is the persisted lease row. A lease past its expiry may be taken
// over by a new lock id.
type record struct {
	ResourceID string   `gorm:"column:resource_id;primaryKey;size:190;not null"`
	LockType   LockType `gorm:"column:lock_type;primaryKey;size:32;not null"`
	LockID     string   `gorm:"column:lock_id;size:64;not null"`
	ExpiresAt  int64    `gorm:"column:expires_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (record) TableName() string {
	return "task_locks"
}

// Model exposes the lease schema for migration.
func Model() interface{} {
	return &record{}
}

// ManagerConfig describes the dependencies and tuning of the lock manager.
type ManagerConfig struct {
	Database       *gorm.DB
	Clock          func() time.Time
	Logger         *zap.Logger
	LeaseTTL       time.Duration
	ObtainAttempts int
	ReleaseRetries int
	RetryBackoff   time.Duration
}

// Manager hands out ephemeral mutual-exclusion leases keyed by
// (resource id, lock type).
type Manager struct {
	db             *gorm.DB
	clock          func() time.Time
	logger         *zap.Logger
	leaseTTL       time.Duration
	obtainAttempts int
	releaseRetries int
	retryBackoff   time.Duration
}

// NewManager constructs a Manager with sane defaults.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	manager := &Manager{
		db:             cfg.Database,
		clock:          clock,
		logger:         logger,
		leaseTTL:       cfg.LeaseTTL,
		obtainAttempts: cfg.ObtainAttempts,
		releaseRetries: cfg.ReleaseRetries,
		retryBackoff:   cfg.RetryBackoff,
	}
	if manager.leaseTTL <= 0 {
		manager.leaseTTL = defaultLeaseTTL
	}
	if manager.obtainAttempts <= 0 {
		manager.obtainAttempts = defaultObtainAttempts
	}
	if manager.releaseRetries <= 0 {
		manager.releaseRetries = defaultReleaseRetries
	}
	if manager.retryBackoff <= 0 {
		manager.retryBackoff = defaultRetryBackoff
	}
	return manager, nil
}

// Lease is proof of a held lock, passed to operations that must only run
// inside the guarded critical section.
type Lease struct {
	ResourceID string
	LockType   LockType
	LockID     string
}

// Covers reports whether the lease guards the given resource.
func (l *Lease) Covers(resourceID string, lockType LockType) bool {
	return l != nil && l.ResourceID == resourceID && l.LockType == lockType
}

// ObtainLock attempts to take the lease once. It returns false, not an error,
// when the lease is held by a different live lock id. An expired lease is
// taken over.
func (m *Manager) ObtainLock(ctx context.Context, lockID, resourceID string, lockType LockType) (bool, error) {
	if lockID == "" {
		return false, errMissingLockID
	}
	now := m.clock().UTC().Unix()
	expiry := m.clock().UTC().Add(m.leaseTTL).Unix()

	obtained := false
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing record
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("resource_id = ? AND lock_type = ?", resourceID, lockType).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			obtained = true
			return tx.Create(&record{
				ResourceID: resourceID,
				LockType:   lockType,
				LockID:     lockID,
				ExpiresAt:  expiry,
			}).Error
		}
		if err != nil {
			return err
		}
		if existing.LockID == lockID || existing.ExpiresAt <= now {
			obtained = true
			return tx.Model(&record{}).
				Where("resource_id = ? AND lock_type = ?", resourceID, lockType).
				Updates(map[string]interface{}{"lock_id": lockID, "expires_at_s": expiry}).Error
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("tasklock: obtain %s/%s: %w", resourceID, lockType, err)
	}
	return obtained, nil
}

// ReleaseLock releases the lease. It returns false when the lease is held by
// a different id or already released.
func (m *Manager) ReleaseLock(ctx context.Context, lockID, resourceID string, lockType LockType) (bool, error) {
	result := m.db.WithContext(ctx).
		Where("resource_id = ? AND lock_type = ? AND lock_id = ?", resourceID, lockType, lockID).
		Delete(&record{})
	if result.Error != nil {
		return false, fmt.Errorf("tasklock: release %s/%s: %w", resourceID, lockType, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// WithLock runs fn inside the lease for (resourceID, lockType). Acquisition
// retries a bounded number of times before surfacing ErrLockContention.
// Release is always attempted, retrying up to the configured budget: a lease
// left held after a crash blocks every later structural change to the
// resource until it expires, so skipping release is never acceptable.
func (m *Manager) WithLock(ctx context.Context, lockID, resourceID string, lockType LockType, fn func(lease *Lease) error) error {
	if lockID == "" {
		return errMissingLockID
	}

	obtained := false
	for attempt := 0; attempt < m.obtainAttempts; attempt++ {
		ok, err := m.ObtainLock(ctx, lockID, resourceID, lockType)
		if err != nil {
			return err
		}
		if ok {
			obtained = true
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.retryBackoff):
		}
	}
	if !obtained {
		return fmt.Errorf("%w: %s/%s", ErrLockContention, resourceID, lockType)
	}

	lease := &Lease{ResourceID: resourceID, LockType: lockType, LockID: lockID}
	fnErr := fn(lease)

	var releaseErr error
	for attempt := 0; attempt < m.releaseRetries; attempt++ {
		_, releaseErr = m.ReleaseLock(ctx, lockID, resourceID, lockType)
		if releaseErr == nil {
			break
		}
		m.logger.Warn("task lock release failed",
			zap.String("resource_id", resourceID),
			zap.String("lock_type", string(lockType)),
			zap.Int("attempt", attempt+1),
			zap.Error(releaseErr))
		time.Sleep(m.retryBackoff)
	}
	if releaseErr != nil {
		m.logger.Error("task lock left held after release retries exhausted",
			zap.String("resource_id", resourceID),
			zap.String("lock_type", string(lockType)),
			zap.String("lock_id", lockID))
	}

	return fnErr
}
