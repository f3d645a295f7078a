package store

import (
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/stewardhq/steward/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	dsn := testutil.GetPostgresDSN(t)

	testStore(t, func(t *testing.T) Store {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			t.Fatalf("opening postgres: %v", err)
		}
		t.Cleanup(func() { db.Close() })

		for _, stmt := range []string{`DROP TABLE IF EXISTS tasks`, `DROP TABLE IF EXISTS workflows`} {
			if _, err := db.Exec(stmt); err != nil {
				t.Fatalf("resetting schema: %v", err)
			}
		}
		s, err := NewPostgresStore(db)
		if err != nil {
			t.Fatalf("NewPostgresStore: %v", err)
		}
		return s
	})
}
