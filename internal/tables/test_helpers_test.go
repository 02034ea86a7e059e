package tables

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceETagIssuer struct {
	next int
}

func (g *sequenceETagIssuer) Issue() (string, error) {
	g.next++
	return fmt.Sprintf("etag-%04d", g.next), nil
}

func mustTableID(t *testing.T, value string) TableID {
	t.Helper()
	id, err := NewTableID(value)
	if err != nil {
		t.Fatalf("unexpected table id error: %v", err)
	}
	return id
}

func mustRowID(t *testing.T, value string) RowID {
	t.Helper()
	id, err := NewRowID(value)
	if err != nil {
		t.Fatalf("unexpected row id error: %v", err)
	}
	return id
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:tabular_tables_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&TableEntry{}, &Row{}, &ManifestETag{}, &PublisherSubscription{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := newTestDatabase(t)
	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    clock,
		ETags:    &sequenceETagIssuer{},
	})
	if err != nil {
		t.Fatalf("failed to construct table service: %v", err)
	}
	return service, db
}
