// Package replication copies finalized cache entries to the remote tier and
// restores them into the cache on a miss.
package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/umbra/internal/filecache"
	"github.com/ssd-technologies/umbra/internal/remote"
	"github.com/ssd-technologies/umbra/internal/storage"
)

// CodecSource resolves a file's key identifier to its codec.
type CodecSource interface {
	Codec(keyID string) (filecache.Codec, error)
}

type Config struct {
	Workers     int
	BatchSize   int
	ReadTimeout time.Duration
}

// Result summarizes one ReplicatePending pass.
type Result struct {
	Replicated int
	Failed     int
}

// Replicator moves files between the local cache and the remote tier,
// recording progress in the catalog. Files not yet replicated are kept
// pinned in the cache so eviction cannot lose them.
type Replicator struct {
	cache   *filecache.Cache
	db      *storage.DB
	codecs  CodecSource
	remote  remote.Store
	cfg     Config
	logger  zerolog.Logger
	metrics *Metrics
}

func New(cache *filecache.Cache, db *storage.DB, codecs CodecSource, store remote.Store, cfg Config, logger zerolog.Logger, metrics *Metrics) *Replicator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Replicator{
		cache:   cache,
		db:      db,
		codecs:  codecs,
		remote:  store,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// ReplicatePending claims pending and failed files and copies them to the
// remote tier with a bounded worker pool.
func (r *Replicator) ReplicatePending(ctx context.Context) (Result, error) {
	var claimed []storage.File
	for _, status := range []storage.TransferStatus{storage.StatusPending, storage.StatusFailed} {
		files, err := r.db.ListFilesByStatus(status, r.cfg.BatchSize-len(claimed))
		if err != nil {
			return Result{}, err
		}
		for _, f := range files {
			err := r.db.TransitionFile(f.ID, status, storage.StatusReplicating, "")
			if errors.Is(err, storage.ErrInvalidTransition) {
				continue
			}
			if err != nil {
				return Result{}, err
			}
			claimed = append(claimed, f)
		}
		if len(claimed) >= r.cfg.BatchSize {
			break
		}
	}

	results := make([]error, len(claimed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for i, f := range claimed {
		g.Go(func() error {
			results[i] = r.Replicate(gctx, f)
			return nil
		})
	}
	g.Wait()

	var res Result
	var errs error
	for i, f := range claimed {
		if err := results[i]; err != nil {
			res.Failed++
			r.metrics.failed.Inc()
			r.logger.Warn().Err(err).Str("id", f.ID).Int("attempt", f.Attempts+1).Msg("replication failed")
			terr := r.db.TransitionFile(f.ID, storage.StatusReplicating, storage.StatusFailed, err.Error())
			if errors.Is(terr, storage.ErrInvalidTransition) {
				// Already marked replicated, or deleted meanwhile.
				r.logger.Debug().Err(terr).Str("id", f.ID).Msg("record failure")
				continue
			}
			errs = multierr.Append(errs, terr)
			continue
		}
		res.Replicated++
		r.metrics.replicated.Inc()
	}
	return res, errs
}

// Replicate copies one cached file, already claimed as replicating, to the
// remote tier. Every chunk is sealed again with the file's codec, so the
// remote tier only ever holds ciphertext for encrypted files. On success the
// catalog is marked replicated before the cache entry becomes evictable, so
// a reader that sees the entry unpinned also sees the remote copy recorded.
func (r *Replicator) Replicate(ctx context.Context, f storage.File) (err error) {
	start := time.Now()
	codec, err := r.codecs.Codec(f.KeyID)
	if err != nil {
		return err
	}
	rd, err := r.cache.OpenForRead(ctx, filecache.FileID(f.ID), codec, r.cfg.ReadTimeout)
	if err != nil {
		return fmt.Errorf("open cached copy: %w", err)
	}
	state := filecache.Pinned
	defer func() {
		err = multierr.Append(err, r.cache.CloseFile(rd, state))
	}()

	exists, err := r.remote.Exists(ctx, f.ID)
	if err != nil {
		return err
	}
	if !exists {
		if err := r.upload(ctx, f.ID, rd, codec); err != nil {
			return err
		}
	}
	if err := r.db.TransitionFile(f.ID, storage.StatusReplicating, storage.StatusReplicated, ""); err != nil {
		return err
	}

	state = filecache.Finalized
	r.metrics.duration.Observe(time.Since(start).Seconds())
	r.logger.Info().Str("id", f.ID).Int64("size", rd.Size()).Dur("took", time.Since(start)).Msg("replicated")
	return nil
}

func (r *Replicator) upload(ctx context.Context, id string, rd *filecache.Reader, codec filecache.Codec) (err error) {
	w, err := r.remote.Create(ctx, id)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, w.Abort())
		}
	}()

	var buf bytes.Buffer
	for {
		p, err := rd.ReadChunk()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		buf.Reset()
		if _, err := codec.Encode(&buf, p); err != nil {
			return err
		}
		if err := w.WriteRecord(buf.Bytes()); err != nil {
			return err
		}
	}
	return w.Commit()
}

// Restore copies a file from the remote tier into the cache. A concurrent
// restore of the same file is not an error; the caller waits for it with
// OpenForRead.
func (r *Replicator) Restore(ctx context.Context, f storage.File) (err error) {
	codec, err := r.codecs.Codec(f.KeyID)
	if err != nil {
		return err
	}
	rr, err := r.remote.Open(ctx, f.ID)
	if errors.Is(err, remote.ErrNotFound) {
		return fmt.Errorf("restore %s: %w", f.ID, filecache.ErrNotFound)
	}
	if err != nil {
		return err
	}
	defer rr.Close()

	w, err := r.cache.OpenForWrite(filecache.FileID(f.ID), r.cache.DiskFootprint(f.Size, codec), codec)
	if errors.Is(err, filecache.ErrAlreadyExists) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, r.cache.RemoveFile(w))
		}
	}()

	for {
		rec, err := rr.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		p, err := codec.Decode(bytes.NewReader(rec))
		if err != nil {
			return fmt.Errorf("restore %s: %w", f.ID, err)
		}
		// The chunk ceiling may have shrunk since the file was written.
		for len(p) > 0 {
			n := min(len(p), w.MaxChunk())
			if err := w.AppendChunk(p[:n]); err != nil {
				return err
			}
			p = p[n:]
		}
	}
	if w.Size() != f.Size {
		return fmt.Errorf("restore %s: %w: restored %d bytes, catalog says %d", f.ID, filecache.ErrCorrupt, w.Size(), f.Size)
	}

	state := filecache.Finalized
	if f.Status != storage.StatusReplicated {
		state = filecache.Pinned
	}
	if err := r.cache.CloseFile(w, state); err != nil {
		return err
	}
	r.metrics.restored.Inc()
	r.logger.Info().Str("id", f.ID).Int64("size", f.Size).Msg("restored from remote")
	return nil
}

// OpenReader returns a cache reader for f, restoring it from the remote
// tier on a miss.
func (r *Replicator) OpenReader(ctx context.Context, f storage.File) (*filecache.Reader, filecache.Codec, error) {
	codec, err := r.codecs.Codec(f.KeyID)
	if err != nil {
		return nil, nil, err
	}
	id := filecache.FileID(f.ID)
	rd, err := r.cache.OpenForRead(ctx, id, codec, r.cfg.ReadTimeout)
	if err == nil {
		return rd, codec, nil
	}
	if !errors.Is(err, filecache.ErrNotFound) {
		return nil, nil, err
	}
	if err := r.Restore(ctx, f); err != nil {
		return nil, nil, err
	}
	rd, err = r.cache.OpenForRead(ctx, id, codec, r.cfg.ReadTimeout)
	if err != nil {
		return nil, nil, err
	}
	return rd, codec, nil
}

// PinUnreplicated marks every cached file that has no remote copy yet as
// non-evictable. The startup scan indexes all entries as evictable, so this
// runs once after the cache is opened.
func (r *Replicator) PinUnreplicated(ctx context.Context) (int, error) {
	if _, err := r.db.ResetInterrupted(); err != nil {
		return 0, err
	}
	files, err := r.db.ListFiles()
	if err != nil {
		return 0, err
	}
	var pinned int
	var errs error
	for _, f := range files {
		if f.Status == storage.StatusReplicated {
			continue
		}
		codec, err := r.codecs.Codec(f.KeyID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		rd, err := r.cache.OpenForRead(ctx, filecache.FileID(f.ID), codec, 0)
		if errors.Is(err, filecache.ErrNotFound) {
			r.logger.Warn().Str("id", f.ID).Msg("unreplicated file missing from cache")
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := r.cache.CloseFile(rd, filecache.Pinned); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		pinned++
	}
	return pinned, errs
}
