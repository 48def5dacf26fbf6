//go:build postgres_integration

package store

import (
	"os"
	"testing"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer p.Close()
	if err := p.Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := p.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := p.ListRuns(t.Context(), 0, 1); err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if _, err := p.Snapshot(t.Context()); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
}
