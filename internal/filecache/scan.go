package filecache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

type scanResult struct {
	id    FileID
	size  int64
	mtime time.Time
	err   error
}

// scan indexes every valid entry under the root. Entries that fail to open
// are logged and left on disk untouched. The oldest metadata becomes the
// least recently used entry.
func (c *Cache) scan(ctx context.Context) error {
	dirents, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}

	var names []string
	for _, d := range dirents {
		if d.IsDir() && !strings.HasPrefix(d.Name(), ".") {
			names = append(names, d.Name())
		}
	}

	results := make([]scanResult, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.scanLimit, 1))
	for i, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = c.scanEntry(name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].mtime.Before(results[j].mtime)
	})

	var skipped int
	c.mu.Lock()
	for _, r := range results {
		if r.err != nil {
			skipped++
			c.metrics.corrupt.Inc()
			c.logger.Warn().Err(r.err).Str("entry", string(r.id)).Msg("skipping unreadable cache entry")
			continue
		}
		if err := c.idx.add(newNode(r.id, r.size, true, false, true)); err != nil {
			skipped++
			c.logger.Warn().Err(err).Str("entry", string(r.id)).Msg("skipping cache entry")
			continue
		}
		c.used += r.size
	}

	var evicted []Event
	if c.used > c.size {
		evicted, err = c.evictLRU(c.used - c.size)
		if err != nil {
			c.logger.Error().Err(err).Int64("used", c.used).Int64("size", c.size).Msg("cache over capacity after scan")
		}
	}
	c.observeLocked()
	entries, used := c.idx.len(), c.used
	c.mu.Unlock()

	c.emit(evicted)
	c.logger.Info().
		Int("entries", entries).
		Int("skipped", skipped).
		Int("evicted", len(evicted)).
		Int64("used", used).
		Msg("cache scan complete")
	return nil
}

func (c *Cache) scanEntry(name string) scanResult {
	r := scanResult{id: FileID(name)}
	id, err := ParseFileID(name)
	if err != nil {
		r.err = err
		return r
	}
	f, err := openFile(c.root, id, modeRead, Null)
	if err != nil {
		r.err = err
		return r
	}
	info, err := os.Stat(filepath.Join(f.dir, metadataName))
	if err != nil {
		r.err = fmt.Errorf("stat metadata: %w", err)
		return r
	}
	r.size = f.sizeOnDisk
	r.mtime = info.ModTime()
	return r
}
