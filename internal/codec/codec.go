// Package codec is the reference schema codec for agent state. It stands in
// for the artifact normally regenerated by the schema compiler; the sync
// core only sees Encode/Decode/Version and treats the package as opaque.
package codec

import (
	"encoding/json"

	"github.com/klauspost/compress/zstd"

	"parsim.dev/internal/protocol"
)

// States above this size are stored zstd-compressed. Small states (the
// common case for per-tick updates) are cheaper left as raw JSON.
const compressThreshold = 512

const (
	frameRaw  = 'J'
	frameZstd = 'Z'
)

type Codec struct {
	version string
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

func New() (*Codec, error) {
	return NewWithVersion(protocol.SchemaVersion)
}

// NewWithVersion builds a codec reporting an explicit version. Only tests
// and tooling that deliberately emulate a skewed artifact should use it.
func NewWithVersion(version string) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &Codec{version: version, enc: enc, dec: dec}, nil
}

func (c *Codec) Version() string { return c.version }

func (c *Codec) Encode(s protocol.AgentState) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(s)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrEncode, "marshal state: %v", err)
	}
	if len(body) <= compressThreshold {
		out := make([]byte, 0, len(body)+1)
		out = append(out, frameRaw)
		return append(out, body...), nil
	}
	out := []byte{frameZstd}
	return c.enc.EncodeAll(body, out), nil
}

func (c *Codec) Decode(b []byte) (protocol.AgentState, error) {
	var s protocol.AgentState
	if len(b) < 2 {
		return s, protocol.NewError(protocol.ErrDecode, "truncated state buffer (%d bytes)", len(b))
	}
	var body []byte
	switch b[0] {
	case frameRaw:
		body = b[1:]
	case frameZstd:
		var err error
		body, err = c.dec.DecodeAll(b[1:], nil)
		if err != nil {
			return s, protocol.NewError(protocol.ErrDecode, "zstd: %v", err)
		}
	default:
		return s, protocol.NewError(protocol.ErrDecode, "unknown frame byte 0x%02x", b[0])
	}
	if err := json.Unmarshal(body, &s); err != nil {
		return s, protocol.NewError(protocol.ErrDecode, "unmarshal state: %v", err)
	}
	if err := s.Validate(); err != nil {
		return s, protocol.NewError(protocol.ErrDecode, "decoded state invalid: %v", err)
	}
	return s, nil
}

func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}
