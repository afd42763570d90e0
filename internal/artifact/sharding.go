package artifact

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// errShardsCorrupt means the surviving shards disagree with their parity.
var errShardsCorrupt = errors.New("artifact shards corrupt")

// shardData erasure-codes data into dataShards data shards followed by
// parityShards parity shards of equal length.
func shardData(data []byte, dataShards, parityShards int) ([][]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("shard: %w", err)
	}
	// Split refuses empty input. The recorded size trims the filler byte.
	if len(data) == 0 {
		data = []byte{0}
	}
	shards, err := enc.Split(data)
	if err != nil {
		return nil, fmt.Errorf("shard: split %d bytes: %w", len(data), err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("shard: encode parity: %w", err)
	}
	return shards, nil
}

// reconstructData rebuilds size bytes from shards. Missing shards are nil and
// up to parityShards of them can be recovered.
func reconstructData(shards [][]byte, dataShards, parityShards int, size int) ([]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("reconstruct: %w", err)
	}
	if err := enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("reconstruct: %w", err)
	}
	if ok, err := enc.Verify(shards); err != nil || !ok {
		return nil, fmt.Errorf("reconstruct: %w", errors.Join(errShardsCorrupt, err))
	}

	var buf bytes.Buffer
	buf.Grow(size)
	if err := enc.Join(&buf, shards, size); err != nil {
		return nil, fmt.Errorf("reconstruct: join %d bytes: %w", size, err)
	}
	return buf.Bytes(), nil
}
