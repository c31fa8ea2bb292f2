package proto

import (
	"errors"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrTruncated   = errors.New("truncated payload")
	ErrUnknownType = errors.New("unregistered type index")
	ErrFieldSize   = errors.New("field too large")
)

const (
	maxFieldLen = 256 << 10
	maxNesting  = 4
)

// Writer appends packed fields to a growing buffer. Nested envelopes are
// encoded with the registry the writer was created from.
type Writer struct {
	buf []byte
	reg *Registry
}

func (w *Writer) PutUvarint32(v uint32) {
	w.buf = protowire.AppendVarint(w.buf, uint64(v))
}

func (w *Writer) PutVarint32(v int32) {
	w.buf = protowire.AppendVarint(w.buf, protowire.EncodeZigZag(int64(v)))
}

func (w *Writer) PutVarint64(v int64) {
	w.buf = protowire.AppendVarint(w.buf, protowire.EncodeZigZag(v))
}

func (w *Writer) PutBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

func (w *Writer) PutString(s string) {
	w.buf = protowire.AppendString(w.buf, s)
}

func (w *Writer) PutBytes(b []byte) {
	w.buf = protowire.AppendBytes(w.buf, b)
}

// PutEnvelope writes a complete inner envelope as a length-delimited field.
func (w *Writer) PutEnvelope(m Message) error {
	inner, err := w.reg.Encode(m)
	if err != nil {
		return err
	}
	w.PutBytes(inner)
	return nil
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

// Reader consumes packed fields. The first failure sticks: later reads return
// zero values and Err reports the original cause.
type Reader struct {
	buf   []byte
	err   error
	reg   *Registry
	depth int
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) Remaining() int {
	return len(r.buf)
}

func (r *Reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.buf)
	if n < 0 {
		r.fail(ErrTruncated)
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *Reader) Uvarint32() uint32 {
	v := r.uvarint()
	if v > math.MaxUint32 {
		r.fail(ErrFieldSize)
		return 0
	}
	return uint32(v)
}

func (r *Reader) Varint32() int32 {
	v := protowire.DecodeZigZag(r.uvarint())
	if v > math.MaxInt32 || v < math.MinInt32 {
		r.fail(ErrFieldSize)
		return 0
	}
	return int32(v)
}

func (r *Reader) Varint64() int64 {
	return protowire.DecodeZigZag(r.uvarint())
}

func (r *Reader) Bool() bool {
	if r.err != nil {
		return false
	}
	if len(r.buf) == 0 {
		r.fail(ErrTruncated)
		return false
	}
	v := r.buf[0]
	r.buf = r.buf[1:]
	return v != 0
}

func (r *Reader) Blob() []byte {
	if r.err != nil {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.buf)
	if n < 0 {
		r.fail(ErrTruncated)
		return nil
	}
	if len(v) > maxFieldLen {
		r.fail(ErrFieldSize)
		return nil
	}
	r.buf = r.buf[n:]
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (r *Reader) Text() string {
	return string(r.Blob())
}

// Envelope reads a nested envelope written by PutEnvelope.
func (r *Reader) Envelope() Message {
	inner := r.Blob()
	if r.err != nil {
		return nil
	}
	if r.depth >= maxNesting {
		r.fail(ErrFieldSize)
		return nil
	}
	m, err := r.reg.decode(inner, r.depth+1)
	if err != nil {
		r.fail(err)
		return nil
	}
	return m
}
