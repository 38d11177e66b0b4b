package backforward

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"
)

// ErrCorruptSnapshot is returned when a persisted list cannot be decoded
var ErrCorruptSnapshot = errors.New("corrupt back-forward snapshot")

// Codec encodes list state as zstd-compressed JSON. Encoder and decoder are
// safe for concurrent use, so one Codec can serve a background writer.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCodec creates a codec
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Encode serializes state
func (c *Codec) Encode(state State) ([]byte, error) {
	raw, err := sonic.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode back-forward state: %w", err)
	}
	return c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// Decode parses data produced by Encode
func (c *Codec) Decode(data []byte) (State, error) {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	var state State
	if err := sonic.Unmarshal(raw, &state); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if state.CurrentIndex >= len(state.Items) {
		return State{}, fmt.Errorf("%w: current index %d out of range", ErrCorruptSnapshot, state.CurrentIndex)
	}
	return state, nil
}

// Close releases encoder and decoder resources
func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}

// EncodeFrameState serializes one item's frame-state tree for a process.
// A nil tree encodes to nil.
func EncodeFrameState(fs *FrameState) ([]byte, error) {
	if fs == nil {
		return nil, nil
	}
	raw, err := sonic.Marshal(fs)
	if err != nil {
		return nil, fmt.Errorf("encode frame state: %w", err)
	}
	return raw, nil
}

// DecodeFrameState parses a frame-state tree reported by a process
func DecodeFrameState(data []byte) (*FrameState, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var fs FrameState
	if err := sonic.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("%w: frame state: %v", ErrCorruptSnapshot, err)
	}
	return &fs, nil
}
