package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	MaxFrameSize     = 1 << 20
	SoftMaxFrameSize = 64 << 10

	// ChannelID is the single message id reserved with the transport for
	// session envelopes.
	ChannelID uint16 = 2005
)

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload too large")
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadFrameWithCap(r, MaxFrameSize)
}

// ReadFrameWithCap rejects frames larger than max before reading the body.
func ReadFrameWithCap(r io.Reader, max int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if max <= 0 || max > MaxFrameSize {
		max = MaxFrameSize
	}
	if n == 0 || int(n) > max {
		return nil, fmt.Errorf("invalid frame size %d", n)
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}

// Seal prefixes an encoded envelope with ChannelID so the transport can carry
// it next to its own traffic.
func Seal(envelope []byte) []byte {
	out := make([]byte, 2+len(envelope))
	binary.BigEndian.PutUint16(out[:2], ChannelID)
	copy(out[2:], envelope)
	return out
}

// Open strips the channel prefix and returns the envelope bytes.
func Open(payload []byte) ([]byte, error) {
	if len(payload) < 2 {
		return nil, ErrTruncated
	}
	if ch := binary.BigEndian.Uint16(payload[:2]); ch != ChannelID {
		return nil, fmt.Errorf("unexpected channel %d", ch)
	}
	return payload[2:], nil
}

// Marshal encodes m with the default registry and seals it.
func Marshal(m Message) ([]byte, error) {
	env, err := Default.Encode(m)
	if err != nil {
		return nil, err
	}
	return Seal(env), nil
}

// Unmarshal reverses Marshal.
func Unmarshal(payload []byte) (Message, error) {
	env, err := Open(payload)
	if err != nil {
		return nil, err
	}
	return Default.Decode(env)
}
