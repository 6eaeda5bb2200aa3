// Package keys maps per-file key identifiers to chunk codecs.
package keys

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/ssd-technologies/umbra/internal/crypto"
	"github.com/ssd-technologies/umbra/internal/filecache"
	"github.com/ssd-technologies/umbra/internal/storage"
)

const keyPrefix = "K-"

// ErrUnknownKey is returned for a key identifier with no stored salt.
var ErrUnknownKey = errors.New("keys: unknown key")

// Ring creates key identifiers and derives their codecs from the server
// secret. Only salts are persisted; derived codecs are kept in an LRU.
type Ring struct {
	db     *storage.DB
	secret string
	codecs *lru.Cache[string, filecache.Codec]
	group  singleflight.Group
}

// NewRing returns a ring that keeps up to size derived codecs in memory.
func NewRing(db *storage.DB, secret string, size int) (*Ring, error) {
	if secret == "" {
		return nil, errors.New("keys: empty secret")
	}
	codecs, err := lru.New[string, filecache.Codec](size)
	if err != nil {
		return nil, fmt.Errorf("codec cache: %w", err)
	}
	return &Ring{db: db, secret: secret, codecs: codecs}, nil
}

// Create registers a new key and returns its identifier.
func (r *Ring) Create() (string, error) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return "", err
	}
	k := &storage.Key{
		ID:        keyPrefix + uuid.New().String(),
		Salt:      salt,
		CreatedAt: time.Now().Unix(),
	}
	if err := r.db.CreateKey(k); err != nil {
		return "", err
	}
	return k.ID, nil
}

// Codec returns the codec for keyID. filecache.NullKeyID selects the
// identity codec.
func (r *Ring) Codec(keyID string) (filecache.Codec, error) {
	if keyID == filecache.NullKeyID {
		return filecache.Null, nil
	}
	if !strings.HasPrefix(keyID, keyPrefix) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	if c, ok := r.codecs.Get(keyID); ok {
		return c, nil
	}

	v, err, _ := r.group.Do(keyID, func() (any, error) {
		if c, ok := r.codecs.Get(keyID); ok {
			return c, nil
		}
		k, err := r.db.GetKey(keyID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
		}
		if err != nil {
			return nil, err
		}
		c, err := filecache.NewCBCCodec(keyID, crypto.DeriveKey(r.secret, k.Salt))
		if err != nil {
			return nil, err
		}
		r.codecs.Add(keyID, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(filecache.Codec), nil
}
