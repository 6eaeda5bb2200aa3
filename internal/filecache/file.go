package filecache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/multierr"
)

type mode int

const (
	modeRead mode = iota + 1
	modeWrite
	modeAppend
)

func (m mode) String() string {
	switch m {
	case modeRead:
		return "read"
	case modeWrite:
		return "write"
	case modeAppend:
		return "append"
	}
	return "mode(" + strconv.Itoa(int(m)) + ")"
}

// file is one stored object: a directory of chunk files 1..N plus .metadata.
// It is owned by exactly one handle and must be closed once.
type file struct {
	id    FileID
	dir   string
	mode  mode
	codec Codec

	totalChunks int64
	logicalSize int64
	sizeOnDisk  int64
	chunksRead  int64
	closed      bool
}

func openFile(root string, id FileID, m mode, codec Codec) (*file, error) {
	f := &file{
		id:    id,
		dir:   filepath.Join(root, string(id)),
		mode:  m,
		codec: codec,
	}

	switch m {
	case modeWrite:
		if err := os.Mkdir(f.dir, 0o700); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return nil, fmt.Errorf("%w: %s", ErrFileExists, id)
			}
			return nil, fmt.Errorf("create file dir: %w", err)
		}
	case modeRead, modeAppend:
		if _, err := os.Stat(f.dir); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return nil, fmt.Errorf("stat file dir: %w", err)
		}
		meta, err := readMetadata(f.dir)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", id, err)
		}
		f.totalChunks = int64(meta.totalChunks)
		f.logicalSize = int64(meta.logicalSize)
		f.sizeOnDisk = int64(meta.sizeOnDisk)
	default:
		return nil, fmt.Errorf("open %s: %w: unknown mode %d", id, ErrInvalidState, m)
	}
	return f, nil
}

func (f *file) chunkPath(n int64) string {
	return filepath.Join(f.dir, strconv.FormatInt(n, 10))
}

// appendChunk encodes p into the next chunk file and returns the bytes written.
func (f *file) appendChunk(p []byte) (int, error) {
	if f.closed || (f.mode != modeWrite && f.mode != modeAppend) {
		return 0, fmt.Errorf("append to %s file %s: %w", f.mode, f.id, ErrInvalidState)
	}
	if len(p) == 0 {
		return 0, ErrInvalidChunk
	}
	if f.logicalSize+int64(len(p)) > math.MaxUint32 ||
		f.sizeOnDisk+int64(f.codec.EncodedLen(len(p))) > math.MaxUint32 {
		return 0, fmt.Errorf("append to %s: %w: file exceeds 4GB", f.id, ErrInvalidSize)
	}

	n := f.totalChunks + 1
	path := f.chunkPath(n)
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, fmt.Errorf("%w: %s chunk %d", ErrChunkExists, f.id, n)
		}
		return 0, fmt.Errorf("create chunk: %w", err)
	}
	written, err := f.codec.Encode(out, p)
	err = multierr.Append(err, out.Close())
	if err != nil {
		return 0, multierr.Append(err, os.Remove(path))
	}

	f.totalChunks = n
	f.logicalSize += int64(len(p))
	f.sizeOnDisk += int64(written)
	return written, nil
}

// readChunk returns the next chunk's plaintext, or io.EOF once every chunk
// has been consumed.
func (f *file) readChunk() ([]byte, error) {
	if f.closed || f.mode != modeRead {
		return nil, fmt.Errorf("read from %s file %s: %w", f.mode, f.id, ErrInvalidState)
	}
	if f.chunksRead >= f.totalChunks {
		return nil, io.EOF
	}

	n := f.chunksRead + 1
	raw, err := os.ReadFile(f.chunkPath(n))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s chunk %d missing", ErrCorrupt, f.id, n)
		}
		return nil, fmt.Errorf("read chunk: %w", err)
	}
	p, err := f.codec.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s chunk %d: %w", f.id, n, err)
	}
	f.chunksRead = n
	return p, nil
}

// close flushes metadata for write and append modes. It is idempotent.
func (f *file) close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if f.mode == modeRead {
		return nil
	}
	return writeMetadata(f.dir, metadata{
		totalChunks: uint32(f.totalChunks),
		logicalSize: uint32(f.logicalSize),
		sizeOnDisk:  uint32(f.sizeOnDisk),
	})
}

// abandon marks the file closed without writing metadata.
func (f *file) abandon() {
	f.closed = true
}

func (f *file) remove() error {
	if err := os.RemoveAll(f.dir); err != nil {
		return fmt.Errorf("remove %s: %w", f.id, err)
	}
	return nil
}
