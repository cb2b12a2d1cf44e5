// Package message defines the RPC message body exchanged between client and server.
//
// Body is the "envelope" for every RPC call. It gets serialized by the codec layer
// and wrapped in a protocol frame for transmission over TCP.
package message

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrInvalidServiceMethod is returned when a service method is not "Service.Method".
var ErrInvalidServiceMethod = errors.New("invalid service method format")

// Method identifies the remote method being invoked.
type Method struct {
	Name       string   `codec:"name" json:"name"`
	ParamTypes []string `codec:"paramTypes" json:"paramTypes"` // Optional, informational only
}

// Body carries the data for a single RPC request or response.
//
//   - On request:  Service and Method are set, Args holds the call arguments.
//   - On response: Return holds the reply value, Fault is non-empty if the call failed.
//
// Args and Return come back from a codec as generic values only: string, bool,
// nil, []any and map[string]any, with numbers as int64 (MessagePack) or float64
// (JSON). An int sent as 42 arrives as int64(42) or float64(42), and a struct
// arrives as a map keyed by field name. Use Bind to get concrete types back.
// Functions, channels and complex numbers cannot be encoded at all.
type Body struct {
	Service string  `codec:"service" json:"service"` // e.g. "Arith"
	Method  *Method `codec:"method" json:"method"`
	Args    []any   `codec:"args" json:"args"`
	Return  any     `codec:"return" json:"return"`
	Fault   string  `codec:"fault" json:"fault"`
}

// NewRequest builds a request body for "Service.Method".
func NewRequest(serviceMethod string, args ...any) (*Body, error) {
	service, method, err := ParseServiceMethod(serviceMethod)
	if err != nil {
		return nil, err
	}
	return &Body{
		Service: service,
		Method:  &Method{Name: method},
		Args:    args,
	}, nil
}

// NewFault builds a response body carrying err.
func NewFault(err error) *Body {
	return &Body{Fault: err.Error()}
}

// ServiceMethod returns "Service.Method", or just the service name if no method is set.
func (b *Body) ServiceMethod() string {
	if b.Method == nil {
		return b.Service
	}
	return b.Service + "." + b.Method.Name
}

// ParseServiceMethod splits "Service.Method" into its two parts.
func ParseServiceMethod(serviceMethod string) (string, string, error) {
	split := strings.Split(serviceMethod, ".")
	if len(split) != 2 || split[0] == "" || split[1] == "" {
		return "", "", errors.Wrapf(ErrInvalidServiceMethod, "%q", serviceMethod)
	}
	return split[0], split[1], nil
}
