package filecache

import "errors"

var (
	// ErrNotFound reports a cache miss. It is routine: callers fall back to
	// the remote tier or report the object as absent.
	ErrNotFound          = errors.New("filecache: file not found")
	ErrAlreadyExists     = errors.New("filecache: file already exists")
	ErrInsufficientSpace = errors.New("filecache: insufficient space")
	ErrInvalidState      = errors.New("filecache: invalid entry state")
	ErrCorrupt           = errors.New("filecache: file is corrupt")
	// ErrCacheFull is raised when close-time reconciliation pushes usage past
	// the ceiling. It means reservation accounting is broken.
	ErrCacheFull     = errors.New("filecache: cache is full")
	ErrInvalidID     = errors.New("filecache: invalid file identifier")
	ErrInvalidChunk  = errors.New("filecache: invalid chunk")
	ErrChunkTooLarge = errors.New("filecache: chunk too large")
	ErrChunkExists   = errors.New("filecache: chunk already exists")
	ErrFileExists    = errors.New("filecache: file directory already exists")
	ErrInvalidSize   = errors.New("filecache: invalid size")
)
