package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/isdelr/secretboard/internal/database"
)

type (
	TestLog interface {
		Helper()
		Fatal(...interface{})
		Log(...interface{})
	}
)

// AcquireDatabase opens a migrated SQLite database in a fresh temp directory.
// The returned cleanup closes the database and removes the directory.
func AcquireDatabase(ctx context.Context, t TestLog) (*sql.DB, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "secretboard-tests")
	if err != nil {
		t.Fatal(err)
	}
	db, err := database.New(filepath.Join(dir, "board.db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	return db, func() {
		if err := db.Close(); err != nil {
			t.Log("unable to close database", err)
		}
		if err := os.RemoveAll(dir); err != nil {
			t.Log("unable to cleanup temp dir", dir)
		}
	}
}
