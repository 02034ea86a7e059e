package tasklock

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *manualClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:tabular_locks_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Model()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &manualClock{now: time.Unix(1700000600, 0).UTC()}
	cfg.Database = db
	cfg.Clock = clock.Now
	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("failed to construct lock manager: %v", err)
	}
	return manager, clock
}

func TestObtainLockExcludesSecondHolder(t *testing.T) {
	manager, _ := newTestManager(t, ManagerConfig{LeaseTTL: 30 * time.Second})

	ok, err := manager.ObtainLock(context.Background(), "lock-a", "households", LockTypeModifyTable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected first holder to obtain the lease")
	}

	ok, err = manager.ObtainLock(context.Background(), "lock-b", "households", LockTypeModifyTable)
	if err != nil {
		t.Fatalf("obtaining a held lease must not error: %v", err)
	}
	if ok {
		t.Fatalf("second holder must not obtain a live lease")
	}
}

func TestObtainLockIsReentrantForSameID(t *testing.T) {
	manager, _ := newTestManager(t, ManagerConfig{LeaseTTL: 30 * time.Second})

	for attempt := 0; attempt < 2; attempt++ {
		ok, err := manager.ObtainLock(context.Background(), "lock-a", "households", LockTypeModifyTable)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatalf("same lock id must re-obtain its own lease, attempt %d", attempt)
		}
	}
}

func TestObtainLockTakesOverExpiredLease(t *testing.T) {
	manager, clock := newTestManager(t, ManagerConfig{LeaseTTL: 30 * time.Second})

	if ok, err := manager.ObtainLock(context.Background(), "lock-a", "households", LockTypeModifyTable); err != nil || !ok {
		t.Fatalf("expected first holder to obtain the lease: ok=%v err=%v", ok, err)
	}

	clock.Advance(31 * time.Second)

	ok, err := manager.ObtainLock(context.Background(), "lock-b", "households", LockTypeModifyTable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expired lease must be taken over by a new holder")
	}

	// The original holder lost the lease and cannot release it.
	released, err := manager.ReleaseLock(context.Background(), "lock-a", "households", LockTypeModifyTable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if released {
		t.Fatalf("release by a superseded holder must report false")
	}
}

func TestReleaseLockFreesResource(t *testing.T) {
	manager, _ := newTestManager(t, ManagerConfig{LeaseTTL: 30 * time.Second})

	if ok, err := manager.ObtainLock(context.Background(), "lock-a", "households", LockTypeModifyTable); err != nil || !ok {
		t.Fatalf("expected lease: ok=%v err=%v", ok, err)
	}
	released, err := manager.ReleaseLock(context.Background(), "lock-a", "households", LockTypeModifyTable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !released {
		t.Fatalf("expected release to report true")
	}

	ok, err := manager.ObtainLock(context.Background(), "lock-b", "households", LockTypeModifyTable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("released lease must be obtainable by a new holder")
	}
}

func TestLocksAreIndependentPerResource(t *testing.T) {
	manager, _ := newTestManager(t, ManagerConfig{LeaseTTL: 30 * time.Second})

	if ok, err := manager.ObtainLock(context.Background(), "lock-a", "households", LockTypeModifyTable); err != nil || !ok {
		t.Fatalf("expected lease on households: ok=%v err=%v", ok, err)
	}
	ok, err := manager.ObtainLock(context.Background(), "lock-b", "villages", LockTypeModifyTable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("lease on a different resource must be independent")
	}
}

func TestWithLockRunsAndReleases(t *testing.T) {
	manager, _ := newTestManager(t, ManagerConfig{LeaseTTL: 30 * time.Second})

	ran := false
	err := manager.WithLock(context.Background(), "lock-a", "households", LockTypeModifyTable, func(lease *Lease) error {
		ran = true
		if !lease.Covers("households", LockTypeModifyTable) {
			t.Fatalf("lease must cover the locked resource")
		}
		if lease.Covers("villages", LockTypeModifyTable) {
			t.Fatalf("lease must not cover other resources")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatalf("expected the guarded function to run")
	}

	ok, err := manager.ObtainLock(context.Background(), "lock-b", "households", LockTypeModifyTable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("lease must be released after WithLock returns")
	}
}

func TestWithLockPropagatesFunctionError(t *testing.T) {
	manager, _ := newTestManager(t, ManagerConfig{LeaseTTL: 30 * time.Second})

	boom := errors.New("boom")
	err := manager.WithLock(context.Background(), "lock-a", "households", LockTypeModifyTable, func(lease *Lease) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected function error to propagate, got %v", err)
	}

	// Release still happened despite the error.
	ok, obtainErr := manager.ObtainLock(context.Background(), "lock-b", "households", LockTypeModifyTable)
	if obtainErr != nil {
		t.Fatalf("unexpected error: %v", obtainErr)
	}
	if !ok {
		t.Fatalf("lease must be released even when the guarded function fails")
	}
}

func TestWithLockSurfacesContention(t *testing.T) {
	manager, _ := newTestManager(t, ManagerConfig{
		LeaseTTL:       30 * time.Second,
		ObtainAttempts: 2,
		RetryBackoff:   time.Millisecond,
	})

	if ok, err := manager.ObtainLock(context.Background(), "lock-a", "households", LockTypeModifyTable); err != nil || !ok {
		t.Fatalf("expected lease: ok=%v err=%v", ok, err)
	}

	err := manager.WithLock(context.Background(), "lock-b", "households", LockTypeModifyTable, func(lease *Lease) error {
		t.Fatalf("guarded function must not run without the lease")
		return nil
	})
	if !errors.Is(err, ErrLockContention) {
		t.Fatalf("expected ErrLockContention, got %v", err)
	}
}

func TestLeaseCoversNilReceiver(t *testing.T) {
	var lease *Lease
	if lease.Covers("households", LockTypeModifyTable) {
		t.Fatalf("nil lease must not cover any resource")
	}
}
