package codec

import (
	"reflect"
	"sync"

	"atom-rpc/message"

	"github.com/cockroachdb/errors"
	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
)

const (
	defaultSizeHint = 256
	// Output buffers grown past this are not kept when the engine goes back to the pool.
	maxRetainedBuffer = 64 << 10
)

// Types an engine accepts at its top level.
var registeredTypes = []any{message.Body{}, message.Method{}}

var noBytes = []byte{}

// engine is one MessagePack handle together with a reusable encoder, decoder and
// output buffer. Handles must not be mutated after first use and encoders are
// stateful, so an engine belongs to one goroutine at a time.
type engine struct {
	handle *msgpack.MsgpackHandle
	types  map[reflect.Type]struct{}
	enc    *msgpack.Encoder
	dec    *msgpack.Decoder
	out    []byte
	pool   *enginePool // pool the engine was built for
}

func newEngine(strategy FieldStrategy) *engine {
	h := &msgpack.MsgpackHandle{}
	h.MapType = reflect.TypeOf(map[string]any(nil))
	h.RawToString = true
	h.WriteExt = true
	h.SignedInteger = true
	h.Canonical = true
	if strategy == FieldsStrict {
		h.StructToArray = true
		h.ErrorIfNoField = true
	}

	e := &engine{
		handle: h,
		types:  make(map[reflect.Type]struct{}, len(registeredTypes)),
		out:    make([]byte, 0, defaultSizeHint),
	}
	for _, v := range registeredTypes {
		e.register(v)
	}
	e.enc = msgpack.NewEncoderBytes(&e.out, h)
	e.dec = msgpack.NewDecoderBytes(noBytes, h)
	return e
}

func (e *engine) register(v any) {
	e.types[baseType(v)] = struct{}{}
}

func (e *engine) registered(v any) bool {
	_, ok := e.types[baseType(v)]
	return ok
}

func baseType(v any) reflect.Type {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// encode returns a copy of the encoding of v; the engine's buffer is reused.
func (e *engine) encode(v any) (b []byte, err error) {
	if !e.registered(v) {
		return nil, errors.Newf("type %T is not registered", v)
	}
	if body, ok := v.(*message.Body); ok {
		if err := checkBody(body); err != nil {
			return nil, err
		}
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("engine panic: %v", r)
		}
	}()

	e.out = e.out[:0]
	e.enc.ResetBytes(&e.out)
	if err := e.enc.Encode(v); err != nil {
		return nil, err
	}
	b = make([]byte, len(e.out))
	copy(b, e.out)

	if cap(e.out) > maxRetainedBuffer {
		e.out = make([]byte, 0, defaultSizeHint)
	}
	return b, nil
}

// maxCheckDepth bounds the walk over self-referencing values; the engine
// reports those itself.
const maxCheckDepth = 32

// checkBody rejects values the engine would write as nil or an empty array
// instead of failing: functions, channels and unsafe pointers.
func checkBody(b *message.Body) error {
	for i, arg := range b.Args {
		if err := checkValue(reflect.ValueOf(arg), 0); err != nil {
			return errors.Wrapf(err, "args[%d]", i)
		}
	}
	if err := checkValue(reflect.ValueOf(b.Return), 0); err != nil {
		return errors.Wrap(err, "return")
	}
	return nil
}

func checkValue(v reflect.Value, depth int) error {
	if !v.IsValid() || depth > maxCheckDepth {
		return nil
	}
	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return errors.Newf("unsupported value of type %s", v.Type())
	case reflect.Interface, reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		return checkValue(v.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := checkValue(v.Index(i), depth+1); err != nil {
				return err
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if err := checkValue(iter.Key(), depth+1); err != nil {
				return err
			}
			if err := checkValue(iter.Value(), depth+1); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Type().Field(i).IsExported() {
				continue
			}
			if err := checkValue(v.Field(i), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// decode reads one value from data into v, which must be a pointer to a registered type.
func (e *engine) decode(data []byte, v any) (err error) {
	if !e.registered(v) {
		return errors.Newf("type %T is not registered", v)
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("engine panic: %v", r)
		}
	}()

	e.dec.ResetBytes(data)
	err = e.dec.Decode(v)
	e.dec.ResetBytes(noBytes)
	return err
}

// enginePool caches engines. The garbage collector may drop idle entries at any
// time; Get then builds a fresh engine.
type enginePool struct {
	sync.Pool
}
