package filecache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setMetaTime(t *testing.T, c *Cache, id FileID, ts time.Time) {
	t.Helper()
	meta := filepath.Join(c.dirOf(id), metadataName)
	if err := os.Chtimes(meta, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestScan_RestoresEntries(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")
	cfg := Config{Path: root, Size: "1MB", ChunkSize: "1KB"}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	codec := testCodec(t)
	a := putFile(t, c, codec, Finalized, []byte("alpha"), []byte("beta"))
	b := putFile(t, c, Null, Finalized, []byte("gamma"))

	now := time.Now()
	setMetaTime(t, c, a, now.Add(-time.Hour))
	setMetaTime(t, c, b, now.Add(-2*time.Hour))

	c2, err := New(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if c2.Used() != c.Used() || c2.Len() != 2 {
		t.Fatalf("reopened cache used %d with %d entries, want %d with 2", c2.Used(), c2.Len(), c.Used())
	}
	entries := c2.Entries()
	if entries[0].ID != b || entries[1].ID != a {
		t.Fatalf("scan order = %s, %s; want oldest first", entries[0].ID, entries[1].ID)
	}
	for _, e := range entries {
		if !e.Readable || e.Writable || !e.Removable {
			t.Fatalf("scanned entry state = %+v", e)
		}
	}

	got := readFile(t, c2, a, codec)
	if len(got) != 2 || string(got[0]) != "alpha" || string(got[1]) != "beta" {
		t.Fatalf("chunks after restart = %q", got)
	}
	checkAccounting(t, c2)
}

func TestScan_SkipsCorruptEntries(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")
	cfg := Config{Path: root, Size: "1MB", ChunkSize: "1KB"}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	good := putFile(t, c, Null, Finalized, []byte("good"))
	bad := putFile(t, c, Null, Finalized, []byte("bad"))
	if err := os.Truncate(filepath.Join(c.dirOf(bad), metadataName), 3); err != nil {
		t.Fatal(err)
	}

	// A writer that never closed leaves a directory without metadata.
	w, err := c.OpenForWrite("", 0, Null)
	if err != nil {
		t.Fatalf("OpenForWrite: %v", err)
	}
	w.AppendChunk([]byte("half written"))

	os.Mkdir(filepath.Join(root, "not-an-id"), 0o700)
	os.Mkdir(filepath.Join(root, ".tmp"), 0o700)
	os.WriteFile(filepath.Join(root, "stray-file"), []byte("x"), 0o600)

	c2, err := New(cfg)
	if err != nil {
		t.Fatalf("reopen with corrupt entries: %v", err)
	}
	if c2.Len() != 1 || !present(c2, good) {
		t.Fatalf("entries after scan = %+v", c2.Entries())
	}
	if present(c2, bad) || present(c2, w.ID()) {
		t.Fatal("corrupt entries were indexed")
	}
	if _, err := c2.OpenForRead(context.Background(), bad, Null, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read of skipped entry = %v, want ErrNotFound", err)
	}
	for _, dir := range []string{c.dirOf(bad), c.dirOf(w.ID())} {
		if _, err := os.Stat(dir); err != nil {
			t.Fatalf("skipped entry %s was deleted: %v", dir, err)
		}
	}
	if _, err := c2.OpenForWrite(bad, 0, Null); !errors.Is(err, ErrFileExists) {
		t.Fatalf("writing over an orphaned directory = %v, want ErrFileExists", err)
	}
	checkAccounting(t, c2)
}

func TestScan_EvictsWhenCapacityShrinks(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")
	c, err := New(Config{Path: root, Size: "4KB", ChunkSize: "4KB"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chunk := bytes.Repeat([]byte("z"), plain988)
	ids := []FileID{
		putFile(t, c, Null, Finalized, chunk),
		putFile(t, c, Null, Finalized, chunk),
		putFile(t, c, Null, Finalized, chunk),
	}
	base := time.Now().Add(-time.Hour)
	for i, id := range ids {
		setMetaTime(t, c, id, base.Add(time.Duration(i)*time.Minute))
	}

	c2, err := New(Config{Path: root, Size: "2KB", ChunkSize: "4KB"})
	if err != nil {
		t.Fatalf("reopen smaller: %v", err)
	}
	if c2.Used() > c2.Size() {
		t.Fatalf("used %d exceeds shrunken size %d", c2.Used(), c2.Size())
	}
	if present(c2, ids[0]) || !present(c2, ids[1]) || !present(c2, ids[2]) {
		t.Fatalf("expected the oldest entry evicted, have %+v", c2.Entries())
	}
	if _, err := os.Stat(c.dirOf(ids[0])); !os.IsNotExist(err) {
		t.Fatal("evicted entry still on disk")
	}
}

func TestNew_RootIsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	os.WriteFile(path, []byte("x"), 0o600)
	if _, err := New(Config{Path: path}); err == nil {
		t.Fatal("New should fail when the cache path is a regular file")
	}
}
