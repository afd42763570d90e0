package artifact

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// manifest describes how an artifact is laid out on disk. It is stored as
// deterministic CBOR next to the shards.
type manifest struct {
	ID             string   `cbor:"1,keyasint"`
	Hash           string   `cbor:"2,keyasint"` // sha256 of the original bytes
	Size           int64    `cbor:"3,keyasint"`
	CompressedSize int      `cbor:"4,keyasint"`
	DataShards     int      `cbor:"5,keyasint"`
	ParityShards   int      `cbor:"6,keyasint"`
	Checksums      []string `cbor:"7,keyasint"` // blake3 per shard
	CreatedAt      int64    `cbor:"8,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("artifact: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("artifact: CBOR decoder initialization failed: " + err.Error())
	}
}

func (m *manifest) marshal() ([]byte, error) {
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return data, nil
}

func unmarshalManifest(data []byte) (*manifest, error) {
	var m manifest
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.DataShards <= 0 || len(m.Checksums) != m.DataShards+m.ParityShards {
		return nil, fmt.Errorf("decode manifest: inconsistent shard layout")
	}
	return &m, nil
}

func shardChecksum(shard []byte) string {
	sum := blake3.Sum256(shard)
	return hex.EncodeToString(sum[:])
}
