package codec

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// FieldStrategy selects how structs are laid out on the wire.
type FieldStrategy int

const (
	// FieldsCompatible writes structs as maps keyed by field name. Readers skip
	// fields they do not know and leave missing ones at their zero value, so
	// producer and consumer may add or remove fields independently.
	FieldsCompatible FieldStrategy = iota
	// FieldsStrict writes structs as positional arrays and rejects unknown
	// fields. Smaller, but both sides must share one struct layout.
	FieldsStrict
)

func (s FieldStrategy) String() string {
	if s == FieldsStrict {
		return "strict"
	}
	return "compatible"
}

type options struct {
	strategy   FieldStrategy
	registerer prometheus.Registerer
	logger     *zap.Logger
}

type Option func(*options)

func defaultOptions() *options {
	return &options{
		strategy: FieldsCompatible,
		logger:   zap.NewNop(),
	}
}

// WithFieldStrategy sets the struct layout used by the MessagePack codec.
func WithFieldStrategy(s FieldStrategy) Option {
	return func(o *options) { o.strategy = s }
}

// WithMetrics registers codec counters on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
