package filecache

import (
	"errors"
	"fmt"
	"io"
)

// Handle is an open Reader or Writer. Only this package implements it.
type Handle interface {
	ID() FileID
	file() *file
}

// ChunkReader yields a file's chunks in order, then io.EOF.
type ChunkReader interface {
	ID() FileID
	ReadChunk() ([]byte, error)
}

// ChunkWriter appends chunks to a file that is not yet visible to readers.
type ChunkWriter interface {
	ID() FileID
	AppendChunk(p []byte) error
}

// Reader is a read handle returned by Cache.OpenForRead. It keeps the entry
// pinned until passed to Cache.CloseFile.
type Reader struct {
	cache *Cache
	f     *file
}

func (r *Reader) ID() FileID    { return r.f.id }
func (r *Reader) KeyID() string { return r.f.codec.KeyID() }

// Size is the plaintext length of the file.
func (r *Reader) Size() int64 { return r.f.logicalSize }

// Chunks is the number of chunks in the file.
func (r *Reader) Chunks() int64 { return r.f.totalChunks }

// ReadChunk returns the next chunk, or io.EOF after the last one.
func (r *Reader) ReadChunk() ([]byte, error) {
	p, err := r.f.readChunk()
	if errors.Is(err, ErrCorrupt) {
		r.cache.reportCorrupt(r.f.id, err)
	}
	return p, err
}

func (r *Reader) file() *file { return r.f }

// Writer is a write or append handle. Space beyond the initial reservation
// is claimed from the cache chunk by chunk.
type Writer struct {
	cache *Cache
	f     *file
}

func (w *Writer) ID() FileID    { return w.f.id }
func (w *Writer) KeyID() string { return w.f.codec.KeyID() }

// Size is the plaintext length written so far.
func (w *Writer) Size() int64 { return w.f.logicalSize }

// SizeOnDisk is the number of record bytes written so far.
func (w *Writer) SizeOnDisk() int64 { return w.f.sizeOnDisk }

// MaxChunk is the largest plaintext AppendChunk accepts.
func (w *Writer) MaxChunk() int { return w.cache.MaxChunk(w.f.codec) }

// AppendChunk encodes p as the next chunk.
func (w *Writer) AppendChunk(p []byte) error {
	if len(p) == 0 {
		return ErrInvalidChunk
	}
	if sealed := w.f.codec.SealedLen(len(p)); int64(sealed) > w.cache.chunkSize {
		return fmt.Errorf("%w: %d bytes sealed to %d, ceiling %d", ErrChunkTooLarge, len(p), sealed, w.cache.chunkSize)
	}
	if w.f.closed {
		return fmt.Errorf("append to %s: %w: handle closed", w.f.id, ErrInvalidState)
	}

	need := w.f.sizeOnDisk + int64(w.f.codec.EncodedLen(len(p)))
	if err := w.cache.reserve(w.f.id, need); err != nil {
		return err
	}
	_, err := w.f.appendChunk(p)
	return err
}

// ReadFrom splits r into maximal chunks and appends them.
func (w *Writer) ReadFrom(r io.Reader) (int64, error) {
	limit := w.MaxChunk()
	if limit <= 0 {
		return 0, fmt.Errorf("read into %s: %w: no chunk fits the %d byte ceiling", w.f.id, ErrChunkTooLarge, w.cache.chunkSize)
	}
	buf := make([]byte, limit)
	var total int64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if aerr := w.AppendChunk(buf[:n]); aerr != nil {
				return total, aerr
			}
			total += int64(n)
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return total, nil
		default:
			return total, err
		}
	}
}

func (w *Writer) file() *file { return w.f }

type streamReader struct {
	cr  ChunkReader
	buf []byte
	err error
}

// NewStreamReader exposes a ChunkReader as a byte stream.
func NewStreamReader(cr ChunkReader) io.Reader {
	return &streamReader{cr: cr}
}

func (s *streamReader) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		s.buf, s.err = s.cr.ReadChunk()
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}
