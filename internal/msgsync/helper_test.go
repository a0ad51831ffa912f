package msgsync

import (
	"path/filepath"
	"testing"

	"github.com/pigeonchat/pigeon/internal/bus"
	"github.com/pigeonchat/pigeon/internal/store"
)

func testDB(t *testing.T, b *bus.Bus) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path, b)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
