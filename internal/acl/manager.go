package acl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tabular/backend/internal/tables"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrGrantNotFound indicates no grant exists for the requested scope.
	ErrGrantNotFound = errors.New("acl: grant not found")
)

// TableACL persists one grant binding a scope to a role for a table.
type TableACL struct {
	TableID          string           `gorm:"column:table_id;primaryKey;size:190;not null"`
	ScopeType        tables.ScopeType `gorm:"column:scope_type;primaryKey;size:16;not null"`
	ScopeValue       string           `gorm:"column:scope_value;primaryKey;size:190;not null;default:''"`
	Role             TableRole        `gorm:"column:role;size:32;not null"`
	UpdatedAtSeconds int64            `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TableACL) TableName() string {
	return "table_acls"
}

// Scope returns the grant's scope as a value type.
func (a TableACL) Scope() tables.Scope {
	return tables.Scope{Type: a.ScopeType, Value: a.ScopeValue}
}

// ManagerConfig describes the dependencies of the ACL manager.
type ManagerConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Manager persists and reads the permission grants of tables.
type Manager struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewManager constructs the ACL manager.
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
	return &Manager{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SetGrant stores or replaces the role bound to a scope for a table.
func (m *Manager) SetGrant(ctx context.Context, tableID tables.TableID, scope tables.Scope, role TableRole) (TableACL, error) {
	grant := TableACL{
		TableID:          tableID.String(),
		ScopeType:        scope.Type,
		ScopeValue:       scope.Value,
		Role:             role,
		UpdatedAtSeconds: m.clock().UTC().Unix(),
	}
	if err := m.db.WithContext(ctx).Save(&grant).Error; err != nil {
		m.logger.Error("acl grant save failed",
			zap.String("table_id", tableID.String()),
			zap.Error(err))
		return TableACL{}, fmt.Errorf("acl: save grant for %s: %w", tableID.String(), err)
	}
	return grant, nil
}

// GetGrant returns the grant for an exact scope, or ErrGrantNotFound.
func (m *Manager) GetGrant(ctx context.Context, tableID tables.TableID, scope tables.Scope) (TableACL, error) {
	var grant TableACL
	err := m.db.WithContext(ctx).
		Where("table_id = ? AND scope_type = ? AND scope_value = ?",
			tableID.String(), scope.Type, scope.Value).
		Take(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TableACL{}, ErrGrantNotFound
	}
	if err != nil {
		return TableACL{}, fmt.Errorf("acl: get grant for %s: %w", tableID.String(), err)
	}
	return grant, nil
}

// DeleteGrant removes the grant for an exact scope. Removing an absent grant
// is not an error.
func (m *Manager) DeleteGrant(ctx context.Context, tableID tables.TableID, scope tables.Scope) error {
	err := m.db.WithContext(ctx).
		Where("table_id = ? AND scope_type = ? AND scope_value = ?",
			tableID.String(), scope.Type, scope.Value).
		Delete(&TableACL{}).Error
	if err != nil {
		return fmt.Errorf("acl: delete grant for %s: %w", tableID.String(), err)
	}
	return nil
}

// DeleteAllGrants removes every grant of a table, used when the table is
// deleted.
func (m *Manager) DeleteAllGrants(ctx context.Context, tableID tables.TableID) error {
	err := m.db.WithContext(ctx).
		Where("table_id = ?", tableID.String()).
		Delete(&TableACL{}).Error
	if err != nil {
		return fmt.Errorf("acl: delete grants for %s: %w", tableID.String(), err)
	}
	return nil
}

// grantsForScopes loads the grants matching any of the given scopes.
func (m *Manager) grantsForScopes(ctx context.Context, tableID tables.TableID, scopes []tables.Scope) ([]TableACL, error) {
	var grants []TableACL
	if err := m.db.WithContext(ctx).
		Where("table_id = ?", tableID.String()).
		Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("acl: load grants for %s: %w", tableID.String(), err)
	}
	matched := make([]TableACL, 0, len(grants))
	for _, grant := range grants {
		for _, scope := range scopes {
			if grant.Scope().Equal(scope) {
				matched = append(matched, grant)
				break
			}
		}
	}
	return matched, nil
}
