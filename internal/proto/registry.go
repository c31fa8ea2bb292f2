package proto

import (
	"fmt"
	"hash/crc32"
	"reflect"
	"strings"
)

// ProtocolVersion changes whenever a message layout or the registry table
// changes in a way older peers cannot read.
const ProtocolVersion uint32 = 1

// Message is one wire message. Deserialize must consume exactly what
// Serialize wrote.
type Message interface {
	Serialize(w *Writer) error
	Deserialize(r *Reader) error
}

// Entry binds a stable message name to a constructor. The position of the
// entry in the table is its wire type index.
type Entry struct {
	Name string
	New  func() Message
}

type Registry struct {
	entries     []Entry
	byType      map[reflect.Type]uint32
	fingerprint uint32
}

// NewRegistry builds a registry from an explicit ordered table. Every peer
// in a session must use the same table.
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{
		entries: make([]Entry, 0, len(entries)),
		byType:  make(map[reflect.Type]uint32, len(entries)),
	}
	names := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if e.Name == "" || e.New == nil {
			return nil, fmt.Errorf("registry entry %d incomplete", i)
		}
		if _, ok := seen[e.Name]; ok {
			return nil, fmt.Errorf("duplicate message name %q", e.Name)
		}
		seen[e.Name] = struct{}{}
		t := reflect.TypeOf(e.New())
		if _, ok := r.byType[t]; ok {
			return nil, fmt.Errorf("message type %s registered twice", t)
		}
		r.byType[t] = uint32(i)
		r.entries = append(r.entries, e)
		names = append(names, e.Name)
	}
	sig := fmt.Sprintf("v%d|%s", ProtocolVersion, strings.Join(names, ","))
	r.fingerprint = crc32.ChecksumIEEE([]byte(sig))
	return r, nil
}

func MustRegistry(entries ...Entry) *Registry {
	r, err := NewRegistry(entries...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Len() int {
	return len(r.entries)
}

// Fingerprint summarizes the protocol version and the ordered table so two
// peers can detect a mismatch during the hello exchange.
func (r *Registry) Fingerprint() uint32 {
	return r.fingerprint
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Name)
	}
	return out
}

func (r *Registry) TypeIndex(m Message) (uint32, bool) {
	if m == nil {
		return 0, false
	}
	idx, ok := r.byType[reflect.TypeOf(m)]
	return idx, ok
}

// NameOf returns the registered name of m, or its Go type for logging when
// it is not registered.
func (r *Registry) NameOf(m Message) string {
	if idx, ok := r.TypeIndex(m); ok {
		return r.entries[idx].Name
	}
	return fmt.Sprintf("%T", m)
}

// Encode writes the type index followed by the message body.
func (r *Registry) Encode(m Message) ([]byte, error) {
	idx, ok := r.TypeIndex(m)
	if !ok {
		return nil, fmt.Errorf("encode %T: %w", m, ErrUnknownType)
	}
	w := &Writer{reg: r}
	w.PutUvarint32(idx)
	if err := m.Serialize(w); err != nil {
		return nil, fmt.Errorf("encode %s: %w", r.entries[idx].Name, err)
	}
	return w.Bytes(), nil
}

// Decode reads the type index, instantiates the registered type and lets it
// deserialize itself.
func (r *Registry) Decode(data []byte) (Message, error) {
	return r.decode(data, 0)
}

func (r *Registry) decode(data []byte, depth int) (Message, error) {
	rd := &Reader{buf: data, reg: r, depth: depth}
	idx := rd.Uvarint32()
	if err := rd.Err(); err != nil {
		return nil, fmt.Errorf("decode type index: %w", err)
	}
	if int(idx) >= len(r.entries) {
		return nil, fmt.Errorf("decode type index %d of %d: %w", idx, len(r.entries), ErrUnknownType)
	}
	e := r.entries[idx]
	m := e.New()
	if err := m.Deserialize(rd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Name, err)
	}
	if err := rd.Err(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Name, err)
	}
	return m, nil
}
