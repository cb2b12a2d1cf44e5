// Package codec serializes message bodies for the wire.
//
// Each codec is identified by a one-byte Type carried in the protocol frame
// header, so both peers pick the same codec for a given frame. Codecs are
// collected in a Registry built once at startup and handed to the server,
// the client and the transports that need them.
package codec

import (
	"fmt"
	"sort"
	"sync"

	"atom-rpc/message"

	"github.com/cockroachdb/errors"
)

type Type byte

const (
	TypeJSON    Type = 0
	TypeMsgpack Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeJSON:
		return "json"
	case TypeMsgpack:
		return "msgpack"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

// ParseType maps a codec name ("json", "msgpack") to its Type.
func ParseType(name string) (Type, error) {
	switch name {
	case "json":
		return TypeJSON, nil
	case "msgpack", "binary":
		return TypeMsgpack, nil
	default:
		return 0, errors.Wrapf(ErrUnknownCodec, "%q", name)
	}
}

// Codec converts message bodies to and from bytes.
//
// Implementations must be safe for concurrent use. Serialize fails with
// ErrInvalidArgument on a nil body, Deserialize on nil data; every other
// failure is reported as a *ProtocolError.
type Codec interface {
	Type() Type
	Serialize(body *message.Body) ([]byte, error)
	// Deserialize decodes one body from data[off:].
	Deserialize(data []byte, off int) (*message.Body, error)
}

// Registry maps type tags to codecs. A tag may be registered only once.
type Registry struct {
	mu     sync.RWMutex
	codecs map[Type]Codec
}

// NewRegistry returns a registry holding the given codecs.
func NewRegistry(codecs ...Codec) (*Registry, error) {
	r := &Registry{codecs: make(map[Type]Codec, len(codecs))}
	for _, c := range codecs {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Default returns a registry with the JSON and MessagePack codecs.
func Default(opts ...Option) *Registry {
	r, err := NewRegistry(NewJSONCodec(), NewMsgpackCodec(opts...))
	if err != nil {
		// Tags of the built-in codecs are distinct.
		panic(err)
	}
	return r
}

func (r *Registry) Register(c Codec) error {
	if c == nil {
		return errors.Wrap(ErrInvalidArgument, "register: nil codec")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codecs[c.Type()]; ok {
		return errors.Wrapf(ErrDuplicateCodec, "type %s", c.Type())
	}
	r.codecs[c.Type()] = c
	return nil
}

func (r *Registry) Get(t Type) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[t]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownCodec, "type %s", t)
	}
	return c, nil
}

// Types returns the registered tags in ascending order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.codecs))
	for t := range r.codecs {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
