package device

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-power/internal/infrastructure/database"
	_ "github.com/nerrad567/gray-logic-power/migrations"
)

// setupTestDB opens a migrated SQLite database under t.TempDir.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{
		Path:        filepath.Join(t.TempDir(), "powerd.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db.DB
}

func testRecord(id, name string) *Record {
	return &Record{
		ID:          id,
		Name:        name,
		Backend:     BackendPlug,
		Address:     "10.0.0.10",
		Credentials: Credentials{Username: "admin", Password: "secret"},
		PowerState:  PowerOff,
	}
}

func timePtr(t time.Time) *time.Time { return &t }
