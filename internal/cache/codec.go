package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// envelope wraps a cached payload with the metadata needed to compute
// its age at read time. Payloads at or above the compression threshold
// are stored zstd-compressed with the flag set.
type envelope struct {
	Value      []byte    `json:"value"`
	WrittenAt  time.Time `json:"written_at"`
	TTLSeconds int       `json:"ttl_seconds"`
	Compressed bool      `json:"compressed,omitempty"`
}

type codec struct {
	minCompress int
	enc         *zstd.Encoder
	dec         *zstd.Decoder
}

func newCodec(minCompress int) (*codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &codec{minCompress: minCompress, enc: enc, dec: dec}, nil
}

func (c *codec) encode(value []byte, writtenAt time.Time, ttl time.Duration) ([]byte, error) {
	env := envelope{
		Value:      value,
		WrittenAt:  writtenAt,
		TTLSeconds: int(ttl.Seconds()),
	}
	if c.minCompress > 0 && len(value) >= c.minCompress {
		env.Value = c.enc.EncodeAll(value, nil)
		env.Compressed = true
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode cached value: %w", err)
	}
	return data, nil
}

func (c *codec) decode(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode cached value: %w", err)
	}
	if env.Compressed {
		raw, err := c.dec.DecodeAll(env.Value, nil)
		if err != nil {
			return envelope{}, fmt.Errorf("decompress cached value: %w", err)
		}
		env.Value = raw
		env.Compressed = false
	}
	return env, nil
}

// age reports how long ago the envelope was written.
func (e envelope) age(now time.Time) time.Duration {
	return now.Sub(e.WrittenAt)
}
