package remote

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// coder splits records into data and parity shards.
type coder struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
}

func newCoder(dataShards, parityShards int) (*coder, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("creating reed-solomon encoder: %w", err)
	}
	return &coder{enc: enc, dataShards: dataShards, parityShards: parityShards}, nil
}

func (c *coder) total() int { return c.dataShards + c.parityShards }

// split returns dataShards+parityShards shards for data.
func (c *coder) split(data []byte) ([][]byte, error) {
	shards, err := c.enc.Split(data)
	if err != nil {
		return nil, fmt.Errorf("splitting data into shards: %w", err)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("encoding parity shards: %w", err)
	}
	return shards, nil
}

// join rebuilds the original size bytes. Missing shards are nil; at most
// parityShards may be missing.
func (c *coder) join(shards [][]byte, size int) ([]byte, error) {
	if err := c.enc.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("reconstructing shards: %w", err)
	}

	out := make([]byte, 0, size)
	for i := 0; i < c.dataShards && len(out) < size; i++ {
		out = append(out, shards[i]...)
	}
	if len(out) < size {
		return nil, fmt.Errorf("original size %d exceeds reconstructed data length %d", size, len(out))
	}
	return out[:size], nil
}
