package filecache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/ssd-technologies/umbra/internal/crypto"
)

const (
	metadataName   = ".metadata"
	metadataFields = 12
	metadataLen    = crypto.ChecksumLen + metadataFields
)

// metadata is the per-file record written at close:
//
//	checksum(32) || total_chunks u32 || logical_size u32 || size_on_disk u32
type metadata struct {
	totalChunks uint32
	logicalSize uint32
	sizeOnDisk  uint32
}

func (m metadata) marshal() []byte {
	fields := make([]byte, 0, metadataFields)
	fields = binary.BigEndian.AppendUint32(fields, m.totalChunks)
	fields = binary.BigEndian.AppendUint32(fields, m.logicalSize)
	fields = binary.BigEndian.AppendUint32(fields, m.sizeOnDisk)

	sum := crypto.Checksum(fields)
	return append(sum[:], fields...)
}

func parseMetadata(b []byte) (metadata, error) {
	if len(b) != metadataLen {
		return metadata{}, fmt.Errorf("%w: metadata is %d bytes, want %d", ErrCorrupt, len(b), metadataLen)
	}
	fields := b[crypto.ChecksumLen:]
	if crypto.Checksum(fields) != [crypto.ChecksumLen]byte(b[:crypto.ChecksumLen]) {
		return metadata{}, fmt.Errorf("%w: metadata checksum mismatch", ErrCorrupt)
	}
	return metadata{
		totalChunks: binary.BigEndian.Uint32(fields[0:4]),
		logicalSize: binary.BigEndian.Uint32(fields[4:8]),
		sizeOnDisk:  binary.BigEndian.Uint32(fields[8:12]),
	}, nil
}

func readMetadata(dir string) (metadata, error) {
	b, err := os.ReadFile(filepath.Join(dir, metadataName))
	if errors.Is(err, fs.ErrNotExist) {
		return metadata{}, fmt.Errorf("%w: missing metadata", ErrCorrupt)
	}
	if err != nil {
		return metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	return parseMetadata(b)
}

// writeMetadata replaces dir/.metadata atomically via a temp file and rename.
func writeMetadata(dir string, m metadata) (err error) {
	tmp, err := os.CreateTemp(dir, metadataName+".*")
	if err != nil {
		return fmt.Errorf("create metadata: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, os.Remove(tmp.Name()))
		}
	}()

	if _, err = tmp.Write(m.marshal()); err != nil {
		err = multierr.Append(fmt.Errorf("write metadata: %w", err), tmp.Close())
		return err
	}
	if err = tmp.Sync(); err != nil {
		err = multierr.Append(fmt.Errorf("sync metadata: %w", err), tmp.Close())
		return err
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close metadata: %w", err)
	}
	if err = os.Rename(tmp.Name(), filepath.Join(dir, metadataName)); err != nil {
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}
