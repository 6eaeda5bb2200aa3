package keys

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ssd-technologies/umbra/internal/filecache"
	"github.com/ssd-technologies/umbra/internal/storage"
)

func testRing(t *testing.T, secret string) (*Ring, *storage.DB) {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	r, err := NewRing(db, secret, 4)
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	return r, db
}

func TestRing_NullKey(t *testing.T) {
	r, _ := testRing(t, "secret")
	c, err := r.Codec(filecache.NullKeyID)
	if err != nil {
		t.Fatalf("Codec(null): %v", err)
	}
	if c != filecache.Null {
		t.Fatal("null key should map to the identity codec")
	}
}

func TestRing_CreateAndDerive(t *testing.T) {
	r, _ := testRing(t, "secret")
	id, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c1, err := r.Codec(id)
	if err != nil {
		t.Fatalf("Codec: %v", err)
	}
	if c1.KeyID() != id {
		t.Fatalf("codec key id = %q, want %q", c1.KeyID(), id)
	}
	c2, _ := r.Codec(id)
	if c1 != c2 {
		t.Fatal("second lookup should hit the codec cache")
	}

	var buf bytes.Buffer
	if _, err := c1.Encode(&buf, []byte("payload")); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c2.Decode(&buf)
	if err != nil || string(got) != "payload" {
		t.Fatalf("Decode = %q, %v", got, err)
	}
}

func TestRing_SecretAndSaltSeparateKeys(t *testing.T) {
	r, db := testRing(t, "secret")
	a, _ := r.Create()
	b, _ := r.Create()
	ca, _ := r.Codec(a)
	cb, _ := r.Codec(b)

	var buf bytes.Buffer
	ca.Encode(&buf, []byte("for a only"))
	if got, err := cb.Decode(bytes.NewReader(buf.Bytes())); err == nil && string(got) == "for a only" {
		t.Fatal("key b decrypted data sealed under key a")
	}

	other, err := NewRing(db, "other-secret", 4)
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	co, _ := other.Codec(a)
	if got, err := co.Decode(bytes.NewReader(buf.Bytes())); err == nil && string(got) == "for a only" {
		t.Fatal("a different secret decrypted the data")
	}
}

func TestRing_UnknownKey(t *testing.T) {
	r, _ := testRing(t, "secret")
	for _, id := range []string{"K-00000000-0000-0000-0000-000000000000", "bogus", ""} {
		if _, err := r.Codec(id); !errors.Is(err, ErrUnknownKey) {
			t.Errorf("Codec(%q) = %v, want ErrUnknownKey", id, err)
		}
	}
}

func TestRing_ConcurrentLookups(t *testing.T) {
	r, _ := testRing(t, "secret")
	id, _ := r.Create()

	var wg sync.WaitGroup
	codecs := make([]filecache.Codec, 8)
	for i := range codecs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := r.Codec(id)
			if err != nil {
				t.Errorf("Codec: %v", err)
				return
			}
			codecs[i] = c
		}()
	}
	wg.Wait()
	for _, c := range codecs[1:] {
		if c != codecs[0] {
			t.Fatal("concurrent lookups derived different codecs")
		}
	}
}

func TestNewRing_EmptySecret(t *testing.T) {
	if _, err := NewRing(nil, "", 4); err == nil {
		t.Fatal("NewRing should reject an empty secret")
	}
}
