package remote

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/ssd-technologies/umbra/internal/crypto"
	"github.com/ssd-technologies/umbra/internal/filecache"
)

const (
	manifestName  = "manifest.json"
	stagingPrefix = ".staging-"
)

type manifest struct {
	DataShards   int          `json:"data_shards"`
	ParityShards int          `json:"parity_shards"`
	Records      []recordInfo `json:"records"`
	CreatedAt    int64        `json:"created_at"`
}

type recordInfo struct {
	Size      int      `json:"size"`
	Checksums []string `json:"checksums"`
}

// ShardStore is a directory-backed Store. Each record is erasure coded and
// every shard is written to its own file, so an object survives the loss or
// corruption of up to parityShards shards per record.
type ShardStore struct {
	root   string
	coder  *coder
	logger zerolog.Logger
}

// NewShardStore opens or creates a store under root.
func NewShardStore(root string, dataShards, parityShards int, logger zerolog.Logger) (*ShardStore, error) {
	c, err := newCoder(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create remote dir: %w", err)
	}
	return &ShardStore{root: root, coder: c, logger: logger}, nil
}

func (s *ShardStore) objectDir(id string) (string, error) {
	if _, err := filecache.ParseFileID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.root, id), nil
}

func (s *ShardStore) Create(ctx context.Context, id string) (ObjectWriter, error) {
	dir, err := s.objectDir(id)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	staging, err := os.MkdirTemp(s.root, stagingPrefix+id+"-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &shardWriter{
		ctx:     ctx,
		store:   s,
		id:      id,
		dir:     dir,
		staging: staging,
		m: manifest{
			DataShards:   s.coder.dataShards,
			ParityShards: s.coder.parityShards,
		},
	}, nil
}

func (s *ShardStore) Open(ctx context.Context, id string) (ObjectReader, error) {
	dir, err := s.objectDir(id)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %s manifest: %v", ErrCorrupt, id, err)
	}
	c := s.coder
	if m.DataShards != c.dataShards || m.ParityShards != c.parityShards {
		if c, err = newCoder(m.DataShards, m.ParityShards); err != nil {
			return nil, fmt.Errorf("%w: %s manifest: %v", ErrCorrupt, id, err)
		}
	}
	return &shardReader{ctx: ctx, store: s, id: id, dir: dir, m: m, coder: c}, nil
}

func (s *ShardStore) Delete(ctx context.Context, id string) error {
	dir, err := s.objectDir(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func (s *ShardStore) Exists(ctx context.Context, id string) (bool, error) {
	dir, err := s.objectDir(id)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(dir, manifestName))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	}
	return false, fmt.Errorf("stat manifest: %w", err)
}

// PurgeStaging removes staging directories older than age, left behind by
// writers that never committed or aborted.
func (s *ShardStore) PurgeStaging(age time.Duration) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("read remote dir: %w", err)
	}
	var purged int
	var errs error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), stagingPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || time.Since(info.ModTime()) < age {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		purged++
	}
	return purged, errs
}

func shardName(record, shard int) string {
	return strconv.Itoa(record) + "." + strconv.Itoa(shard)
}

type shardWriter struct {
	ctx     context.Context
	store   *ShardStore
	id      string
	dir     string
	staging string
	m       manifest
	done    bool
}

func (w *shardWriter) WriteRecord(p []byte) error {
	if w.done {
		return ErrClosed
	}
	if err := w.ctx.Err(); err != nil {
		return err
	}
	shards, err := w.store.coder.split(p)
	if err != nil {
		return err
	}

	n := len(w.m.Records) + 1
	info := recordInfo{Size: len(p), Checksums: make([]string, len(shards))}
	for i, shard := range shards {
		sum := crypto.Checksum(shard)
		info.Checksums[i] = hex.EncodeToString(sum[:])
		if err := os.WriteFile(filepath.Join(w.staging, shardName(n, i)), shard, 0o600); err != nil {
			return fmt.Errorf("write shard %d of record %d: %w", i, n, err)
		}
	}
	w.m.Records = append(w.m.Records, info)
	return nil
}

// Commit writes the manifest and publishes the object.
func (w *shardWriter) Commit() (err error) {
	if w.done {
		return ErrClosed
	}
	w.done = true
	defer func() {
		if err != nil {
			err = multierr.Append(err, os.RemoveAll(w.staging))
		}
	}()

	w.m.CreatedAt = time.Now().Unix()
	raw, err := json.Marshal(w.m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.staging, manifestName), raw, 0o600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if _, err := os.Stat(w.dir); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, w.id)
	}
	if err := os.Rename(w.staging, w.dir); err != nil {
		return fmt.Errorf("publish %s: %w", w.id, err)
	}
	w.store.logger.Debug().Str("id", w.id).Int("records", len(w.m.Records)).Msg("remote object committed")
	return nil
}

func (w *shardWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	return os.RemoveAll(w.staging)
}

type shardReader struct {
	ctx   context.Context
	store *ShardStore
	id    string
	dir   string
	m     manifest
	coder *coder
	next  int
}

func (r *shardReader) Records() int { return len(r.m.Records) }

func (r *shardReader) ReadRecord() ([]byte, error) {
	if r.next >= len(r.m.Records) {
		return nil, io.EOF
	}
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}
	n := r.next + 1
	info := r.m.Records[r.next]
	if len(info.Checksums) != r.coder.total() {
		return nil, fmt.Errorf("%w: %s record %d lists %d shards", ErrCorrupt, r.id, n, len(info.Checksums))
	}

	shards := make([][]byte, r.coder.total())
	missing := 0
	for i := range shards {
		shard, err := os.ReadFile(filepath.Join(r.dir, shardName(n, i)))
		if err != nil {
			missing++
			r.store.logger.Warn().Err(err).Str("id", r.id).Int("record", n).Int("shard", i).Msg("shard unavailable")
			continue
		}
		sum := crypto.Checksum(shard)
		if hex.EncodeToString(sum[:]) != info.Checksums[i] {
			missing++
			r.store.logger.Warn().Str("id", r.id).Int("record", n).Int("shard", i).Msg("shard checksum mismatch")
			continue
		}
		shards[i] = shard
	}
	if missing > r.coder.parityShards {
		return nil, fmt.Errorf("%w: %s record %d lost %d shards", ErrCorrupt, r.id, n, missing)
	}

	p, err := r.coder.join(shards, info.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s record %d: %v", ErrCorrupt, r.id, n, err)
	}
	r.next++
	return p, nil
}

func (r *shardReader) Close() error { return nil }
