package filecache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/ssd-technologies/umbra/internal/crypto"
)

const (
	DefaultPath      = "./cache"
	DefaultSize      = "1GB"
	DefaultChunkSize = "1MB"
)

// MinChunkSize is the smallest chunk-size ceiling that admits a one-byte
// chunk under every codec: one sealed cipher block.
var MinChunkSize = int64(crypto.PaddedLen(1))

// Config is the cache's construction surface. Sizes use the ParseSize grammar.
type Config struct {
	Path      string `json:"cache-path"`
	Size      string `json:"cache-size"`
	ChunkSize string `json:"chunk-size"`
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.Size == "" {
		c.Size = DefaultSize
	}
	if c.ChunkSize == "" {
		c.ChunkSize = DefaultChunkSize
	}
	return c
}

// EntryState is the visibility an entry takes when a handle is closed.
// Readable and Writable are mutually exclusive.
type EntryState struct {
	Readable  bool
	Writable  bool
	Removable bool
}

var (
	// Finalized makes an entry visible to readers and eligible for eviction.
	Finalized = EntryState{Readable: true, Removable: true}
	// Pending keeps an entry invisible so it can be reopened with OpenForAppend.
	Pending = EntryState{Writable: true}
	// Pinned is Finalized without eviction.
	Pinned = EntryState{Readable: true}
)

// EventType names a change reported to the event hook.
type EventType string

const (
	EventWritten EventType = "written"
	EventRemoved EventType = "removed"
	EventEvicted EventType = "evicted"
)

// Event describes a change to the cache contents.
type Event struct {
	Type EventType `json:"type"`
	ID   FileID    `json:"id"`
	Size int64     `json:"size"`
}

// EntryInfo is a snapshot of one index entry.
type EntryInfo struct {
	ID        FileID `json:"id"`
	Size      int64  `json:"size"`
	Readable  bool   `json:"readable"`
	Writable  bool   `json:"writable"`
	Removable bool   `json:"removable"`
	Readers   int    `json:"readers"`
}

// Stats is a point-in-time view of capacity.
type Stats struct {
	Size      int64 `json:"size"`
	Used      int64 `json:"used"`
	Free      int64 `json:"free"`
	ChunkSize int64 `json:"chunk_size"`
	Entries   int   `json:"entries"`
}

// Option configures a Cache at construction.
type Option func(*Cache)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithEventHook registers fn to receive events. fn runs outside the cache lock
// on the goroutine that caused the change.
func WithEventHook(fn func(Event)) Option {
	return func(c *Cache) { c.onEvent = fn }
}

// WithScanConcurrency bounds how many entries the startup scan opens at once.
func WithScanConcurrency(n int) Option {
	return func(c *Cache) { c.scanLimit = n }
}

// Cache is a bounded on-disk store of chunked files with LRU eviction.
// A single mutex guards the index and the usage counter.
type Cache struct {
	root      string
	size      int64
	chunkSize int64

	mu   sync.Mutex
	idx  *index
	used int64

	logger    zerolog.Logger
	metrics   *Metrics
	onEvent   func(Event)
	scanLimit int
}

// New opens the cache rooted at cfg.Path, creating the directory on a cold
// start and indexing existing entries otherwise.
func New(cfg Config, opts ...Option) (*Cache, error) {
	cfg = cfg.withDefaults()
	size, err := ParseSize(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("cache-size: %w", err)
	}
	chunkSize, err := ParseSize(cfg.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("chunk-size: %w", err)
	}
	if chunkSize < MinChunkSize || chunkSize > math.MaxUint32 {
		return nil, fmt.Errorf("chunk-size: %w: %d", ErrInvalidSize, chunkSize)
	}

	c := &Cache{
		root:      cfg.Path,
		size:      size,
		chunkSize: chunkSize,
		idx:       newIndex(),
		logger:    zerolog.Nop(),
		scanLimit: 8,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	c.metrics.capacity.Set(float64(size))

	info, err := os.Stat(c.root)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(c.root, 0o700); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		c.logger.Info().Str("path", c.root).Msg("created cache directory")
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("stat cache dir: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("cache path %s is not a directory", c.root)
	}

	if err := c.scan(context.Background()); err != nil {
		return nil, fmt.Errorf("scan cache: %w", err)
	}
	return c, nil
}

// OpenForRead returns a reader for a finalized entry. A missing entry is
// reported as ErrNotFound. An entry still being written is waited on for up
// to timeout; a zero timeout polls without waiting.
func (c *Cache) OpenForRead(ctx context.Context, id FileID, codec Codec, timeout time.Duration) (*Reader, error) {
	if _, err := ParseFileID(string(id)); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)

	c.mu.Lock()
	n := c.idx.get(id)
	for n != nil && !n.readable {
		remaining := time.Until(deadline)
		if timeout <= 0 || remaining <= 0 {
			break
		}
		ready := n.ready
		c.mu.Unlock()

		t := time.NewTimer(remaining)
		select {
		case <-ready:
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
		t.Stop()

		c.mu.Lock()
		n = c.idx.get(id)
	}
	if n == nil || !n.readable {
		c.mu.Unlock()
		c.metrics.misses.Inc()
		c.logger.Debug().Str("id", string(id)).Msg("cache miss")
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if n.writable {
		c.mu.Unlock()
		c.logger.Error().Str("id", string(id)).Msg("entry is both readable and writable")
		return nil, fmt.Errorf("open %s for read: %w: readable and writable", id, ErrInvalidState)
	}
	n.readers++
	c.idx.moveToBack(id)
	c.mu.Unlock()

	f, err := openFile(c.root, id, modeRead, codec)
	if err != nil {
		c.unpin(id)
		if errors.Is(err, ErrCorrupt) {
			c.reportCorrupt(id, err)
		}
		return nil, err
	}
	c.metrics.hits.Inc()
	return &Reader{cache: c, f: f}, nil
}

// OpenForWrite reserves size bytes for a new entry and returns its writer.
// An empty id generates a fresh one. The entry stays invisible to readers
// until the writer is closed as readable.
func (c *Cache) OpenForWrite(id FileID, size int64, codec Codec) (*Writer, error) {
	if id == "" {
		id = NewFileID()
	} else if _, err := ParseFileID(string(id)); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("open %s for write: %w: %d", id, ErrInvalidSize, size)
	}
	if err := c.createEntry(id, size, false, true, false); err != nil {
		return nil, err
	}

	f, err := openFile(c.root, id, modeWrite, codec)
	if err != nil {
		c.drop(id)
		return nil, err
	}
	return &Writer{cache: c, f: f}, nil
}

// OpenForAppend reopens an entry that was closed as Pending.
func (c *Cache) OpenForAppend(id FileID, codec Codec) (*Writer, error) {
	if _, err := ParseFileID(string(id)); err != nil {
		return nil, err
	}

	c.mu.Lock()
	n := c.idx.get(id)
	switch {
	case n == nil:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case n.readable:
		c.mu.Unlock()
		return nil, fmt.Errorf("append to %s: %w: entry is readable", id, ErrInvalidState)
	case n.removable:
		c.mu.Unlock()
		return nil, fmt.Errorf("append to %s: %w: entry is removable", id, ErrInvalidState)
	case !n.writable:
		c.mu.Unlock()
		return nil, fmt.Errorf("append to %s: %w: entry is not writable", id, ErrInvalidState)
	case n.open:
		c.mu.Unlock()
		return nil, fmt.Errorf("append to %s: %w: writer already open", id, ErrInvalidState)
	}
	n.open = true
	c.mu.Unlock()

	f, err := openFile(c.root, id, modeAppend, codec)
	if err != nil {
		c.mu.Lock()
		if n := c.idx.get(id); n != nil {
			n.open = false
		}
		c.mu.Unlock()
		return nil, err
	}
	return &Writer{cache: c, f: f}, nil
}

// CloseFile closes h and applies st to its entry. Writers reconcile their
// reservation against the bytes actually written.
func (c *Cache) CloseFile(h Handle, st EntryState) error {
	f := h.file()
	if f.closed {
		return fmt.Errorf("close %s: %w: handle already closed", f.id, ErrInvalidState)
	}
	closeErr := f.close()

	var events []Event
	c.mu.Lock()
	n := c.idx.get(f.id)
	if n == nil {
		c.mu.Unlock()
		return multierr.Append(closeErr, fmt.Errorf("close %s: %w", f.id, ErrNotFound))
	}

	var err error
	if f.mode == modeRead {
		if n.readers > 0 {
			n.readers--
		}
		if !st.Readable || st.Writable {
			err = fmt.Errorf("close reader %s: %w: %+v", f.id, ErrInvalidState, st)
		}
	} else {
		n.open = false
		used := c.used + f.sizeOnDisk - n.size
		c.used = used
		n.size = f.sizeOnDisk
		if used > c.size {
			c.logger.Error().Str("id", string(f.id)).Int64("used", used).Int64("size", c.size).Msg("reservation accounting exceeded capacity")
			err = fmt.Errorf("close %s: %w: used %d of %d", f.id, ErrCacheFull, used, c.size)
		}
		if st.Readable && st.Writable {
			err = multierr.Append(err, fmt.Errorf("close writer %s: %w: readable and writable", f.id, ErrInvalidState))
		}
	}

	if err == nil && closeErr == nil {
		becameReadable := st.Readable && !n.readable
		n.readable, n.writable, n.removable = st.Readable, st.Writable, st.Removable
		if n.readable {
			n.signal()
		}
		if becameReadable && f.mode != modeRead {
			events = append(events, Event{Type: EventWritten, ID: f.id, Size: n.size})
		}
	}
	c.observeLocked()
	c.mu.Unlock()

	c.emit(events)
	return multierr.Append(closeErr, err)
}

// RemoveFile deletes the entry behind h. h is closed without flushing.
func (c *Cache) RemoveFile(h Handle) error {
	f := h.file()
	if f.mode == modeRead && !f.closed {
		c.unpin(f.id)
	}
	f.abandon()
	return c.Remove(f.id)
}

// Remove deletes id from the index and disk. Waiting readers see a miss.
// An entry with open readers is not removed.
func (c *Cache) Remove(id FileID) error {
	if _, err := ParseFileID(string(id)); err != nil {
		return err
	}

	c.mu.Lock()
	n := c.idx.get(id)
	if n == nil {
		c.mu.Unlock()
		return fmt.Errorf("remove: %w: %s", ErrNotFound, id)
	}
	if n.readers > 0 {
		c.mu.Unlock()
		return fmt.Errorf("remove %s: %w: %d open readers", id, ErrInvalidState, n.readers)
	}
	removed, err := c.removeLocked(id)
	c.observeLocked()
	c.mu.Unlock()

	c.emit([]Event{{Type: EventRemoved, ID: id, Size: removed.size}})
	return err
}

// Used reports reserved and stored bytes.
func (c *Cache) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Size reports the configured capacity.
func (c *Cache) Size() int64 { return c.size }

// Free reports capacity not yet reserved.
func (c *Cache) Free() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size - c.used
}

// ChunkSize reports the ceiling on one sealed chunk.
func (c *Cache) ChunkSize() int64 { return c.chunkSize }

// Len reports the number of indexed entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idx.len()
}

// Stats returns capacity, usage and entry count under one lock.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.size,
		Used:      c.used,
		Free:      c.size - c.used,
		ChunkSize: c.chunkSize,
		Entries:   c.idx.len(),
	}
}

// Stat returns the index entry for id.
func (c *Cache) Stat(id FileID) (EntryInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.idx.get(id)
	if n == nil {
		return EntryInfo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n.info(), nil
}

// Entries lists the index from least to most recently used.
func (c *Cache) Entries() []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EntryInfo, 0, c.idx.len())
	c.idx.each(func(n *node) bool {
		out = append(out, n.info())
		return true
	})
	return out
}

// MaxChunk is the largest plaintext chunk whose sealed form fits the
// chunk-size ceiling under codec.
func (c *Cache) MaxChunk(codec Codec) int {
	return maxPlaintext(codec, int(min(c.chunkSize, math.MaxInt32)))
}

// DiskFootprint is the on-disk size of n plaintext bytes split into maximal chunks.
func (c *Cache) DiskFootprint(n int64, codec Codec) int64 {
	chunk := int64(c.MaxChunk(codec))
	if n <= 0 || chunk == 0 {
		return 0
	}
	total := (n / chunk) * int64(codec.EncodedLen(int(chunk)))
	if rem := n % chunk; rem > 0 {
		total += int64(codec.EncodedLen(int(rem)))
	}
	return total
}

func (n *node) info() EntryInfo {
	return EntryInfo{
		ID:        n.id,
		Size:      n.size,
		Readable:  n.readable,
		Writable:  n.writable,
		Removable: n.removable,
		Readers:   n.readers,
	}
}

// createEntry reserves size bytes for a new entry, evicting if needed.
func (c *Cache) createEntry(id FileID, size int64, readable, writable, removable bool) error {
	c.mu.Lock()
	if c.idx.get(id) != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	events, err := c.makeRoomLocked(size)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("reserve %d bytes for %s: %w", size, id, err)
	}
	n := newNode(id, size, readable, writable, removable)
	n.open = writable
	if err := c.idx.add(n); err != nil {
		c.mu.Unlock()
		c.emit(events)
		return err
	}
	c.used += size
	c.observeLocked()
	c.mu.Unlock()

	c.emit(events)
	return nil
}

// reserve grows id's reservation to need bytes.
func (c *Cache) reserve(id FileID, need int64) error {
	c.mu.Lock()
	n := c.idx.get(id)
	if n == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if need <= n.size {
		c.mu.Unlock()
		return nil
	}
	grow := need - n.size
	events, err := c.makeRoomLocked(grow)
	if err == nil {
		c.idx.get(id).size = need
		c.used += grow
		c.observeLocked()
	}
	c.mu.Unlock()

	c.emit(events)
	if err != nil {
		return fmt.Errorf("grow %s by %d bytes: %w", id, grow, err)
	}
	return nil
}

// drop releases a reservation whose file could not be created. The directory
// is left alone: it either never existed or belongs to someone else.
func (c *Cache) drop(id FileID) {
	c.mu.Lock()
	if n, ok := c.idx.pop(id); ok {
		c.used -= n.size
		n.signal()
	}
	c.observeLocked()
	c.mu.Unlock()
}

func (c *Cache) unpin(id FileID) {
	c.mu.Lock()
	if n := c.idx.get(id); n != nil && n.readers > 0 {
		n.readers--
	}
	c.mu.Unlock()
}

func (c *Cache) makeRoomLocked(need int64) ([]Event, error) {
	free := c.size - c.used
	if need <= free {
		return nil, nil
	}
	return c.evictLRU(need - free)
}

// evictLRU frees at least shortfall bytes by evicting from the head of the
// recency list, skipping entries that are pinned, unfinished or not
// removable. Nothing is evicted unless the whole shortfall can be covered.
func (c *Cache) evictLRU(shortfall int64) ([]Event, error) {
	var (
		victims []FileID
		freed   int64
	)
	c.idx.each(func(n *node) bool {
		if n.evictable() {
			victims = append(victims, n.id)
			freed += n.size
		}
		return freed < shortfall
	})
	if freed < shortfall {
		return nil, fmt.Errorf("%w: short %d bytes, %d evictable", ErrInsufficientSpace, shortfall, freed)
	}

	events := make([]Event, 0, len(victims))
	for _, id := range victims {
		n, err := c.removeLocked(id)
		if err != nil {
			c.logger.Warn().Err(err).Str("id", string(id)).Msg("evicted entry left files behind")
		}
		c.metrics.evictions.Inc()
		c.logger.Debug().Str("id", string(id)).Int64("size", n.size).Msg("evicted")
		events = append(events, Event{Type: EventEvicted, ID: id, Size: n.size})
	}
	return events, nil
}

// removeLocked pops id, wakes its waiters, then deletes its directory.
func (c *Cache) removeLocked(id FileID) (node, error) {
	n, ok := c.idx.pop(id)
	if !ok {
		return node{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	n.signal()
	c.used -= n.size
	f := &file{id: id, dir: c.dirOf(id)}
	return n, f.remove()
}

func (c *Cache) dirOf(id FileID) string {
	return filepath.Join(c.root, string(id))
}

func (c *Cache) observeLocked() {
	c.metrics.used.Set(float64(c.used))
	c.metrics.entries.Set(float64(c.idx.len()))
}

func (c *Cache) reportCorrupt(id FileID, err error) {
	c.metrics.corrupt.Inc()
	c.logger.Warn().Err(err).Str("id", string(id)).Msg("corrupt cache entry")
}

func (c *Cache) emit(events []Event) {
	if c.onEvent == nil {
		return
	}
	for _, e := range events {
		c.onEvent(e)
	}
}
