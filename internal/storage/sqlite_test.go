package storage

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// testDB creates a temporary SQLite database for testing.
func testDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testFile(id string, created int64) *File {
	return &File{
		ID:        id,
		Name:      id + ".bin",
		Size:      1234,
		MimeType:  "application/octet-stream",
		KeyID:     "null",
		CreatedAt: created,
	}
}

func TestNewDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}
}

func TestNewDB_AllTablesExist(t *testing.T) {
	db := testDB(t)

	for _, table := range []string{"files", "keys"} {
		var name string
		err := db.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestNewDB_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	if err := db.CreateFile(testFile("F-1", 1)); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	db.Close()

	db, err = NewDB(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if _, err := db.GetFile("F-1"); err != nil {
		t.Fatalf("GetFile after reopen: %v", err)
	}
}

func TestDB_Close(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	var name string
	err = db.db.QueryRow("SELECT 1").Scan(&name)
	if err == nil {
		t.Fatal("expected error after Close, got nil")
	}
}

func TestFileCRUD(t *testing.T) {
	db := testDB(t)
	f := testFile("F-a", 100)
	if err := db.CreateFile(f); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := db.CreateFile(f); err == nil {
		t.Fatal("duplicate CreateFile should fail")
	}

	got, err := db.GetFile("F-a")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Name != "F-a.bin" || got.Size != 1234 || got.KeyID != "null" {
		t.Fatalf("GetFile = %+v", got)
	}
	if got.Status != StatusPending || got.UpdatedAt != 100 {
		t.Fatalf("defaults not applied: %+v", got)
	}

	db.CreateFile(testFile("F-b", 200))
	files, err := db.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 || files[0].ID != "F-b" {
		t.Fatalf("ListFiles = %+v, want newest first", files)
	}

	if err := db.DeleteFile("F-a"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := db.GetFile("F-a"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetFile after delete = %v, want sql.ErrNoRows", err)
	}
	if err := db.DeleteFile("F-a"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("second DeleteFile = %v, want sql.ErrNoRows", err)
	}
}

func TestTransitionFile(t *testing.T) {
	db := testDB(t)
	db.CreateFile(testFile("F-t", time.Now().Unix()))

	if err := db.TransitionFile("F-t", StatusPending, StatusReplicated, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> replicated = %v, want ErrInvalidTransition", err)
	}
	if err := db.TransitionFile("F-t", StatusPending, StatusReplicating, ""); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := db.TransitionFile("F-t", StatusPending, StatusReplicating, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second claim = %v, want ErrInvalidTransition", err)
	}
	if err := db.TransitionFile("F-t", StatusReplicating, StatusFailed, "remote down"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := db.TransitionFile("F-t", StatusFailed, StatusReplicating, ""); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := db.TransitionFile("F-t", StatusReplicating, StatusReplicated, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	f, _ := db.GetFile("F-t")
	if f.Status != StatusReplicated || f.Attempts != 2 || f.LastError != "" {
		t.Fatalf("final state = %+v", f)
	}
	if err := db.TransitionFile("missing", StatusPending, StatusReplicating, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("transition of missing file = %v, want ErrInvalidTransition", err)
	}
}

func TestListFilesByStatus(t *testing.T) {
	db := testDB(t)
	for i, id := range []string{"F-1", "F-2", "F-3"} {
		f := testFile(id, int64(10+i))
		db.CreateFile(f)
	}
	db.TransitionFile("F-2", StatusPending, StatusReplicating, "")

	pending, err := db.ListFilesByStatus(StatusPending, 10)
	if err != nil {
		t.Fatalf("ListFilesByStatus: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "F-1" || pending[1].ID != "F-3" {
		t.Fatalf("pending = %+v", pending)
	}
	limited, _ := db.ListFilesByStatus(StatusPending, 1)
	if len(limited) != 1 {
		t.Fatalf("limit ignored: %d rows", len(limited))
	}

	counts, err := db.CountFilesByStatus()
	if err != nil {
		t.Fatalf("CountFilesByStatus: %v", err)
	}
	if counts[StatusPending] != 2 || counts[StatusReplicating] != 1 {
		t.Fatalf("counts = %v", counts)
	}

	n, err := db.ResetInterrupted()
	if err != nil || n != 1 {
		t.Fatalf("ResetInterrupted = %d, %v", n, err)
	}
	if f, _ := db.GetFile("F-2"); f.Status != StatusPending {
		t.Fatalf("F-2 status after reset = %s", f.Status)
	}
}

func TestKeyCRUD(t *testing.T) {
	db := testDB(t)
	k := &Key{ID: "K-1", Salt: []byte("salty"), CreatedAt: 5}
	if err := db.CreateKey(k); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	got, err := db.GetKey("K-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if string(got.Salt) != "salty" || got.CreatedAt != 5 {
		t.Fatalf("GetKey = %+v", got)
	}
	if _, err := db.GetKey("K-missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetKey missing = %v, want sql.ErrNoRows", err)
	}
}
