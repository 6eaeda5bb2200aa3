package replication

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssd-technologies/umbra/internal/filecache"
	"github.com/ssd-technologies/umbra/internal/keys"
	"github.com/ssd-technologies/umbra/internal/remote"
	"github.com/ssd-technologies/umbra/internal/storage"
)

type fixture struct {
	cache  *filecache.Cache
	db     *storage.DB
	ring   *keys.Ring
	remote *remote.ShardStore
	repl   *Replicator
}

func newFixture(t *testing.T, chunk string) *fixture {
	t.Helper()
	dir := t.TempDir()
	cache, err := filecache.New(filecache.Config{Path: filepath.Join(dir, "cache"), Size: "1MB", ChunkSize: chunk})
	if err != nil {
		t.Fatalf("filecache.New: %v", err)
	}
	db, err := storage.NewDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ring, err := keys.NewRing(db, "secret", 8)
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	store, err := remote.NewShardStore(filepath.Join(dir, "remote"), 4, 2, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewShardStore: %v", err)
	}
	repl := New(cache, db, ring, store, Config{Workers: 2, ReadTimeout: 50 * time.Millisecond}, zerolog.Nop(), nil)
	return &fixture{cache: cache, db: db, ring: ring, remote: store, repl: repl}
}

// upload stores data the way the API does: pinned in the cache and pending
// in the catalog.
func (fx *fixture) upload(t *testing.T, data []byte, encrypt bool) storage.File {
	t.Helper()
	keyID := filecache.NullKeyID
	if encrypt {
		var err error
		if keyID, err = fx.ring.Create(); err != nil {
			t.Fatalf("Create key: %v", err)
		}
	}
	codec, err := fx.ring.Codec(keyID)
	if err != nil {
		t.Fatalf("Codec: %v", err)
	}
	w, err := fx.cache.OpenForWrite("", fx.cache.DiskFootprint(int64(len(data)), codec), codec)
	if err != nil {
		t.Fatalf("OpenForWrite: %v", err)
	}
	if _, err := w.ReadFrom(bytes.NewReader(data)); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if err := fx.cache.CloseFile(w, filecache.Pinned); err != nil {
		t.Fatalf("CloseFile: %v", err)
	}
	f := storage.File{
		ID:        string(w.ID()),
		Name:      "test.bin",
		Size:      int64(len(data)),
		KeyID:     keyID,
		CreatedAt: time.Now().Unix(),
	}
	if err := fx.db.CreateFile(&f); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	return f
}

func (fx *fixture) read(t *testing.T, f storage.File) []byte {
	t.Helper()
	rd, _, err := fx.repl.OpenReader(context.Background(), f)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	data, err := io.ReadAll(filecache.NewStreamReader(rd))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := fx.cache.CloseFile(rd, filecache.Finalized); err != nil {
		t.Fatalf("CloseFile: %v", err)
	}
	return data
}

func (fx *fixture) status(t *testing.T, id string) *storage.File {
	t.Helper()
	f, err := fx.db.GetFile(id)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	return f
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + i/251)
	}
	return p
}

func TestReplicatePending_CopiesAndUnpins(t *testing.T) {
	fx := newFixture(t, "4KB")
	plain := fx.upload(t, payload(10000), false)
	sealed := fx.upload(t, payload(20000), true)

	for _, f := range []storage.File{plain, sealed} {
		info, err := fx.cache.Stat(filecache.FileID(f.ID))
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		if info.Removable {
			t.Fatalf("%s evictable before replication", f.ID)
		}
	}

	res, err := fx.repl.ReplicatePending(context.Background())
	if err != nil {
		t.Fatalf("ReplicatePending: %v", err)
	}
	if res.Replicated != 2 || res.Failed != 0 {
		t.Fatalf("result = %+v, want 2 replicated", res)
	}

	for _, f := range []storage.File{plain, sealed} {
		got := fx.status(t, f.ID)
		if got.Status != storage.StatusReplicated {
			t.Fatalf("%s status = %s, want replicated", f.ID, got.Status)
		}
		if got.Attempts != 1 {
			t.Fatalf("%s attempts = %d, want 1", f.ID, got.Attempts)
		}
		info, err := fx.cache.Stat(filecache.FileID(f.ID))
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		if !info.Removable || info.Readers != 0 {
			t.Fatalf("%s after replication: %+v", f.ID, info)
		}
		ok, err := fx.remote.Exists(context.Background(), f.ID)
		if err != nil || !ok {
			t.Fatalf("Exists(%s) = %v, %v", f.ID, ok, err)
		}
	}

	res, err = fx.repl.ReplicatePending(context.Background())
	if err != nil || res != (Result{}) {
		t.Fatalf("second pass = %+v, %v; want nothing to do", res, err)
	}
}

func TestReplicate_MarksCatalogBeforeUnpin(t *testing.T) {
	fx := newFixture(t, "4KB")
	f := fx.upload(t, payload(6000), true)

	// Not claimed yet: the catalog refuses the move and the entry stays pinned.
	err := fx.repl.Replicate(context.Background(), f)
	if !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("Replicate unclaimed = %v, want ErrInvalidTransition", err)
	}
	info, err := fx.cache.Stat(filecache.FileID(f.ID))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Removable {
		t.Fatal("entry evictable while catalog is not replicated")
	}

	if err := fx.db.TransitionFile(f.ID, storage.StatusPending, storage.StatusReplicating, ""); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := fx.repl.Replicate(context.Background(), f); err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	if got := fx.status(t, f.ID); got.Status != storage.StatusReplicated {
		t.Fatalf("status = %s, want replicated", got.Status)
	}
	info, err = fx.cache.Stat(filecache.FileID(f.ID))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.Removable || info.Readers != 0 {
		t.Fatalf("after Replicate: %+v", info)
	}
}

func TestReplicate_RemoteHoldsCiphertext(t *testing.T) {
	fx := newFixture(t, "4KB")
	data := bytes.Repeat([]byte("attack at dawn "), 500)
	f := fx.upload(t, data, true)

	if _, err := fx.repl.ReplicatePending(context.Background()); err != nil {
		t.Fatalf("ReplicatePending: %v", err)
	}

	r, err := fx.remote.Open(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("remote Open: %v", err)
	}
	defer r.Close()
	for {
		rec, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadRecord: %v", err)
		}
		if bytes.Contains(rec, []byte("attack at dawn")) {
			t.Fatal("remote record contains plaintext")
		}
	}
}

func TestOpenReader_RestoresAfterEviction(t *testing.T) {
	fx := newFixture(t, "4KB")
	data := payload(30000)
	plain := fx.upload(t, data, false)
	sealed := fx.upload(t, data, true)
	if _, err := fx.repl.ReplicatePending(context.Background()); err != nil {
		t.Fatalf("ReplicatePending: %v", err)
	}

	for _, f := range []storage.File{plain, sealed} {
		if err := fx.cache.Remove(filecache.FileID(f.ID)); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		f.Status = storage.StatusReplicated
		if got := fx.read(t, f); !bytes.Equal(got, data) {
			t.Fatalf("%s restored %d bytes, want %d", f.ID, len(got), len(data))
		}
		info, err := fx.cache.Stat(filecache.FileID(f.ID))
		if err != nil {
			t.Fatalf("Stat after restore: %v", err)
		}
		if !info.Removable {
			t.Fatal("restored replicated file should be evictable")
		}
	}
}

func TestRestore_SmallerChunkCeiling(t *testing.T) {
	fx := newFixture(t, "8KB")
	data := payload(40000)
	f := fx.upload(t, data, true)
	if _, err := fx.repl.ReplicatePending(context.Background()); err != nil {
		t.Fatalf("ReplicatePending: %v", err)
	}

	small, err := filecache.New(filecache.Config{Path: filepath.Join(t.TempDir(), "small"), Size: "1MB", ChunkSize: "1KB"})
	if err != nil {
		t.Fatalf("filecache.New: %v", err)
	}
	repl := New(small, fx.db, fx.ring, fx.remote, Config{}, zerolog.Nop(), nil)
	f.Status = storage.StatusReplicated
	if err := repl.Restore(context.Background(), f); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	codec, _ := fx.ring.Codec(f.KeyID)
	rd, err := small.OpenForRead(context.Background(), filecache.FileID(f.ID), codec, 0)
	if err != nil {
		t.Fatalf("OpenForRead: %v", err)
	}
	got, err := io.ReadAll(filecache.NewStreamReader(rd))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("restored content mismatch")
	}
	if rd.Chunks() <= 5 {
		t.Fatalf("chunks = %d, want the file re-split under the 1KB ceiling", rd.Chunks())
	}
	small.CloseFile(rd, filecache.Finalized)
}

func TestRestore_NotReplicated(t *testing.T) {
	fx := newFixture(t, "4KB")
	f := fx.upload(t, payload(100), false)
	if err := fx.cache.Remove(filecache.FileID(f.ID)); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	_, _, err := fx.repl.OpenReader(context.Background(), f)
	if !errors.Is(err, filecache.ErrNotFound) {
		t.Fatalf("OpenReader = %v, want ErrNotFound", err)
	}
}

func TestReplicatePending_RecordsFailure(t *testing.T) {
	fx := newFixture(t, "4KB")
	f := fx.upload(t, payload(100), false)
	if err := fx.cache.Remove(filecache.FileID(f.ID)); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		res, err := fx.repl.ReplicatePending(context.Background())
		if err != nil {
			t.Fatalf("ReplicatePending: %v", err)
		}
		if res.Failed != 1 {
			t.Fatalf("attempt %d: result = %+v, want 1 failed", attempt, res)
		}
		got := fx.status(t, f.ID)
		if got.Status != storage.StatusFailed || got.LastError == "" {
			t.Fatalf("attempt %d: status = %s, last error %q", attempt, got.Status, got.LastError)
		}
		if got.Attempts != attempt {
			t.Fatalf("attempts = %d, want %d", got.Attempts, attempt)
		}
	}
}

func TestPinUnreplicated(t *testing.T) {
	fx := newFixture(t, "4KB")
	pending := fx.upload(t, payload(500), false)
	done := fx.upload(t, payload(500), false)
	if err := fx.db.TransitionFile(done.ID, storage.StatusPending, storage.StatusReplicating, ""); err != nil {
		t.Fatal(err)
	}
	if err := fx.db.TransitionFile(done.ID, storage.StatusReplicating, storage.StatusReplicated, ""); err != nil {
		t.Fatal(err)
	}
	// A restart indexes every entry as evictable.
	for _, f := range []storage.File{pending, done} {
		codec, _ := fx.ring.Codec(f.KeyID)
		rd, err := fx.cache.OpenForRead(context.Background(), filecache.FileID(f.ID), codec, 0)
		if err != nil {
			t.Fatalf("OpenForRead: %v", err)
		}
		if err := fx.cache.CloseFile(rd, filecache.Finalized); err != nil {
			t.Fatalf("CloseFile: %v", err)
		}
	}

	n, err := fx.repl.PinUnreplicated(context.Background())
	if err != nil {
		t.Fatalf("PinUnreplicated: %v", err)
	}
	if n != 1 {
		t.Fatalf("pinned %d, want 1", n)
	}
	if info, _ := fx.cache.Stat(filecache.FileID(pending.ID)); info.Removable {
		t.Fatal("pending file still evictable")
	}
	if info, _ := fx.cache.Stat(filecache.FileID(done.ID)); !info.Removable {
		t.Fatal("replicated file should stay evictable")
	}
}
