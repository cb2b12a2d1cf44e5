package message

import (
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/go-viper/mapstructure/v2"
)

// Bind copies a decoded value into dst, which must be a non-nil pointer.
//
// Codecs decode Args and Return into generic values (maps keyed by field name,
// int64, float64, strings). Bind converts them into the caller's concrete type,
// matching struct fields by their json tag or, without a tag, by name.
func Bind(src, dst any) error {
	if dst == nil {
		return errors.New("bind: nil destination")
	}
	if src == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return errors.Wrap(err, "bind")
	}
	if err := dec.Decode(src); err != nil {
		return errors.Wrapf(err, "bind %T", dst)
	}
	return nil
}

// Normalize converts structs (and pointers to structs) into maps keyed by json
// field name, so they survive any codec and any field strategy. Other values
// are returned dereferenced but otherwise unchanged.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return rv.Interface(), nil
	}
	out := make(map[string]any)
	if err := Bind(rv.Interface(), &out); err != nil {
		return nil, err
	}
	return out, nil
}
