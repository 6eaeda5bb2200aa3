// Package remote is the durability tier behind the local file cache. It
// stores sealed chunk records and never sees plaintext.
package remote

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("remote: object not found")
	ErrExists   = errors.New("remote: object already exists")
	ErrCorrupt  = errors.New("remote: object is corrupt")
	ErrClosed   = errors.New("remote: writer closed")
)

// Store holds whole objects as ordered sequences of records.
type Store interface {
	// Create starts a new object. It stays invisible until Commit.
	Create(ctx context.Context, id string) (ObjectWriter, error)
	Open(ctx context.Context, id string) (ObjectReader, error)
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
}

type ObjectWriter interface {
	WriteRecord(p []byte) error
	Commit() error
	Abort() error
}

// ObjectReader yields records in write order, then io.EOF.
type ObjectReader interface {
	ReadRecord() ([]byte, error)
	Records() int
	Close() error
}
