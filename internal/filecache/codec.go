package filecache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ssd-technologies/umbra/internal/crypto"
)

// NullKeyID selects the identity codec: chunks are checksummed but stored in
// the clear.
const NullKeyID = "null"

// recordHeaderLen is checksum(32) || ciphertext length(4).
const recordHeaderLen = crypto.ChecksumLen + 4

// Codec converts one chunk between plaintext and its on-disk record:
//
//	checksum(32) || ciphertext_length(u32 BE) || ciphertext || iv
//
// The checksum covers the ciphertext. Decode verifies it before decrypting.
type Codec interface {
	KeyID() string
	// Encode writes the record for plaintext to w and returns the bytes written.
	Encode(w io.Writer, plaintext []byte) (int, error)
	// Decode reads a whole record from r and returns its plaintext.
	Decode(r io.Reader) ([]byte, error)
	// SealedLen is the ciphertext length for n plaintext bytes.
	SealedLen(n int) int
	// EncodedLen is the full record length for n plaintext bytes.
	EncodedLen(n int) int
}

// Null is the identity codec.
var Null Codec = nullCodec{}

type nullCodec struct{}

func (nullCodec) KeyID() string        { return NullKeyID }
func (nullCodec) SealedLen(n int) int  { return n }
func (nullCodec) EncodedLen(n int) int { return recordHeaderLen + n }

func (nullCodec) Encode(w io.Writer, plaintext []byte) (int, error) {
	if len(plaintext) == 0 {
		return 0, ErrInvalidChunk
	}
	return writeRecord(w, plaintext, nil)
}

func (nullCodec) Decode(r io.Reader) ([]byte, error) {
	ciphertext, iv, err := readRecord(r)
	if err != nil {
		return nil, err
	}
	if len(iv) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in plain chunk", ErrCorrupt, len(iv))
	}
	return ciphertext, nil
}

// CBCCodec seals chunks with AES-256-CBC under a fixed key and a fresh random
// IV per chunk.
type CBCCodec struct {
	keyID string
	key   []byte
}

// NewCBCCodec returns a codec for key, reported under keyID.
func NewCBCCodec(keyID string, key []byte) (*CBCCodec, error) {
	if keyID == NullKeyID {
		return nil, fmt.Errorf("cbc codec: key id %q is reserved", keyID)
	}
	if len(key) != crypto.KeyLen {
		return nil, fmt.Errorf("cbc codec: key length %d, want %d", len(key), crypto.KeyLen)
	}
	return &CBCCodec{keyID: keyID, key: bytes.Clone(key)}, nil
}

func (c *CBCCodec) KeyID() string        { return c.keyID }
func (c *CBCCodec) SealedLen(n int) int  { return crypto.PaddedLen(n) }
func (c *CBCCodec) EncodedLen(n int) int { return recordHeaderLen + crypto.PaddedLen(n) + crypto.IVLen }

func (c *CBCCodec) Encode(w io.Writer, plaintext []byte) (int, error) {
	if len(plaintext) == 0 {
		return 0, ErrInvalidChunk
	}
	iv, err := crypto.NewIV()
	if err != nil {
		return 0, err
	}
	ciphertext, err := crypto.SealCBC(c.key, iv, plaintext)
	if err != nil {
		return 0, fmt.Errorf("encode chunk: %w", err)
	}
	return writeRecord(w, ciphertext, iv)
}

func (c *CBCCodec) Decode(r io.Reader) ([]byte, error) {
	ciphertext, iv, err := readRecord(r)
	if err != nil {
		return nil, err
	}
	if len(iv) != crypto.IVLen {
		return nil, fmt.Errorf("%w: iv length %d", ErrCorrupt, len(iv))
	}
	plaintext, err := crypto.OpenCBC(c.key, iv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return plaintext, nil
}

func writeRecord(w io.Writer, ciphertext, iv []byte) (int, error) {
	if uint64(len(ciphertext)) > 1<<32-1 {
		return 0, fmt.Errorf("%w: ciphertext length %d", ErrChunkTooLarge, len(ciphertext))
	}
	sum := crypto.Checksum(ciphertext)

	buf := make([]byte, 0, recordHeaderLen+len(ciphertext)+len(iv))
	buf = append(buf, sum[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(ciphertext)))
	buf = append(buf, ciphertext...)
	buf = append(buf, iv...)

	n, err := w.Write(buf)
	if err != nil {
		return n, fmt.Errorf("write chunk record: %w", err)
	}
	return n, nil
}

// readRecord splits a record into ciphertext and trailing IV bytes after
// checking the checksum.
func readRecord(r io.Reader) (ciphertext, iv []byte, err error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read chunk record: %w", err)
	}
	if len(raw) < recordHeaderLen {
		return nil, nil, fmt.Errorf("%w: chunk record truncated at %d bytes", ErrCorrupt, len(raw))
	}

	var want [crypto.ChecksumLen]byte
	copy(want[:], raw[:crypto.ChecksumLen])
	length := binary.BigEndian.Uint32(raw[crypto.ChecksumLen:recordHeaderLen])
	body := raw[recordHeaderLen:]
	if uint64(length) > uint64(len(body)) {
		return nil, nil, fmt.Errorf("%w: ciphertext length %d exceeds record", ErrCorrupt, length)
	}

	ciphertext, iv = body[:length], body[length:]
	if crypto.Checksum(ciphertext) != want {
		return nil, nil, fmt.Errorf("%w: chunk checksum mismatch", ErrCorrupt)
	}
	return ciphertext, iv, nil
}

// maxPlaintext returns the largest plaintext length whose ciphertext fits in limit.
func maxPlaintext(c Codec, limit int) int {
	lo, hi := 0, limit
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		if c.SealedLen(mid) <= limit {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}
