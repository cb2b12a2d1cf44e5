package codec

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidArgument is returned when a required input is nil.
	ErrInvalidArgument = errors.New("codec: invalid argument")
	// ErrOffsetOutOfRange is the cause of a ProtocolError when the decode offset
	// lies outside the input.
	ErrOffsetOutOfRange = errors.New("codec: offset out of range")
	ErrUnknownCodec     = errors.New("codec: unknown codec")
	ErrDuplicateCodec   = errors.New("codec: duplicate codec type")
)

// ProtocolError reports a failure in or below a serialization engine.
// The engine's own error is kept as the cause.
type ProtocolError struct {
	Codec Type
	Op    string // "serialize" or "deserialize"
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("codec %s: %s: %v", e.Codec, e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is, or wraps, a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func protocolError(t Type, op string, cause error) error {
	return &ProtocolError{Codec: t, Op: op, Err: errors.WithStack(cause)}
}
