package codec

import (
	"io"
	"sync/atomic"

	"atom-rpc/message"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// MsgpackCodec serializes bodies with MessagePack.
//
// The underlying engine is not safe for concurrent use and is costly to
// build, so every goroutine borrows its own engine from a pool for the
// duration of a call. Engines are built lazily and may be dropped by the
// garbage collector or by Purge; a dropped engine is rebuilt with the same
// type registrations and field strategy on the next call.
type MsgpackCodec struct {
	strategy FieldStrategy
	pool     atomic.Pointer[enginePool]
	metrics  *metrics
	logger   *zap.Logger
}

var _ Codec = (*MsgpackCodec)(nil)

func NewMsgpackCodec(opts ...Option) *MsgpackCodec {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	c := &MsgpackCodec{
		strategy: o.strategy,
		metrics:  newMetrics(o.registerer),
		logger:   o.logger.Named("codec.msgpack"),
	}
	c.pool.Store(c.newPool())
	return c
}

func (c *MsgpackCodec) Type() Type {
	return TypeMsgpack
}

func (c *MsgpackCodec) Strategy() FieldStrategy {
	return c.strategy
}

func (c *MsgpackCodec) Serialize(body *message.Body) ([]byte, error) {
	if body == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "serialize: nil body")
	}
	e := c.acquire()
	b, err := e.encode(body)
	if err != nil {
		// The engine is not returned; the next call gets a fresh one.
		c.metrics.failed(TypeMsgpack, opSerialize)
		return nil, protocolError(TypeMsgpack, opSerialize, err)
	}
	c.release(e)
	return b, nil
}

func (c *MsgpackCodec) Deserialize(data []byte, off int) (*message.Body, error) {
	if data == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "deserialize: nil data")
	}
	if err := checkOffset(data, off); err != nil {
		c.metrics.failed(TypeMsgpack, opDeserialize)
		return nil, protocolError(TypeMsgpack, opDeserialize, err)
	}
	e := c.acquire()
	body := &message.Body{}
	if err := e.decode(data[off:], body); err != nil {
		c.metrics.failed(TypeMsgpack, opDeserialize)
		return nil, protocolError(TypeMsgpack, opDeserialize, err)
	}
	c.release(e)
	return body, nil
}

// Purge drops every cached engine. Engines borrowed at the time of the call
// are discarded when they are released.
func (c *MsgpackCodec) Purge() {
	c.pool.Store(c.newPool())
	c.logger.Debug("engine pool purged")
}

func (c *MsgpackCodec) newPool() *enginePool {
	p := &enginePool{}
	p.New = func() any {
		e := newEngine(c.strategy)
		e.pool = p
		c.metrics.engineBuilt(TypeMsgpack)
		c.logger.Debug("engine built", zap.Stringer("strategy", c.strategy))
		return e
	}
	return p
}

func (c *MsgpackCodec) acquire() *engine {
	return c.pool.Load().Get().(*engine)
}

func (c *MsgpackCodec) release(e *engine) {
	if e.pool != c.pool.Load() {
		return
	}
	e.pool.Put(e)
}

func checkOffset(data []byte, off int) error {
	if off < 0 || off > len(data) {
		return errors.Wrapf(ErrOffsetOutOfRange, "offset %d, length %d", off, len(data))
	}
	if off == len(data) {
		return errors.Wrapf(io.ErrUnexpectedEOF, "no bytes after offset %d", off)
	}
	return nil
}

// DeserializeBytes decodes one body from the start of data.
func DeserializeBytes(c Codec, data []byte) (*message.Body, error) {
	return c.Deserialize(data, 0)
}
