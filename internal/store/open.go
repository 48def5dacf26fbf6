package store

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Open selects a store from a DATABASE_URL value: empty for memory,
// "sqlite:<path>" for an embedded file, anything else is handed to pgx.
// SQL stores are migrated before they are returned.
func Open(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		log.Printf("store=memory")
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		path := strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite:"), "//")
		s, err := NewSQLite(path)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open store: %w", err)
		}
		log.Printf("store=sqlite path=%s", path)
		return s, nil
	default:
		s, err := NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open store: %w", err)
		}
		log.Printf("store=postgres")
		return s, nil
	}
}
