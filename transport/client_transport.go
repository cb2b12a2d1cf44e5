// Package transport implements the client side of a connection: many
// concurrent calls multiplexed over one TCP connection, plus heartbeats.
//
// Each request gets a unique sequence ID and a pending channel. A single
// background goroutine (recvLoop) reads responses and routes each one to the
// channel registered under its sequence ID.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan ← response → goroutine-2 wakes up
package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"atom-rpc/codec"
	"atom-rpc/message"
	"atom-rpc/protocol"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

const DefaultHeartbeat = 30 * time.Second

var ErrClosed = errors.New("transport closed")

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn      net.Conn
	codec     codec.Codec
	registry  *codec.Registry // decodes responses framed with another codec tag
	seq       uint32          // guarded by sending
	pending   *xsync.MapOf[uint32, chan *message.Body]
	sending   sync.Mutex // one frame at a time on the wire
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

type Option func(*options)

type options struct {
	heartbeat time.Duration
	registry  *codec.Registry
	logger    *zap.Logger
}

// WithHeartbeat sets the heartbeat interval; zero or negative disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

func WithRegistry(r *codec.Registry) Option {
	return func(o *options) { o.registry = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewClientTransport wraps conn and starts the receive and heartbeat loops.
// Requests are encoded with cdc.
func NewClientTransport(conn net.Conn, cdc codec.Codec, opts ...Option) *ClientTransport {
	o := &options{heartbeat: DefaultHeartbeat, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	t := &ClientTransport{
		conn:     conn,
		codec:    cdc,
		registry: o.registry,
		pending:  xsync.NewMapOf[uint32, chan *message.Body](),
		done:     make(chan struct{}),
		logger:   o.logger.Named("transport").With(zap.Stringer("remote", conn.RemoteAddr())),
	}
	go t.recvLoop()
	if o.heartbeat > 0 {
		go t.heartbeatLoop(o.heartbeat)
	}
	return t
}

// Send encodes body and writes it as a request frame. It returns the sequence
// number and a channel that receives exactly one response body.
func (t *ClientTransport) Send(body *message.Body) (uint32, <-chan *message.Body, error) {
	payload, err := t.codec.Serialize(body)
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	if t.closed.Load() {
		return 0, nil, ErrClosed
	}

	t.seq++
	seq := t.seq
	header := protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}

	// Register before writing so recvLoop cannot see the response first.
	respChan := make(chan *message.Body, 1)
	t.pending.Store(seq, respChan)

	if t.closed.Load() {
		t.pending.Delete(seq)
		return 0, nil, ErrClosed
	}
	if err := protocol.Encode(t.conn, &header, payload); err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}
	return seq, respChan, nil
}

// Call sends body and waits for its response or for ctx to end.
func (t *ClientTransport) Call(ctx context.Context, body *message.Body) (*message.Body, error) {
	seq, ch, err := t.Send(body)
	if err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, ctx.Err()
	}
}

// recvLoop is the only reader of the connection; frames must be parsed in order.
func (t *ClientTransport) recvLoop() {
	for {
		header, payload, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp, err := t.decode(codec.Type(header.CodecType), payload)
		if err != nil {
			t.logger.Warn("undecodable response", zap.Uint32("seq", header.Seq), zap.Error(err))
			resp = message.NewFault(err)
		}

		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch <- resp
		}
	}
}

func (t *ClientTransport) decode(typ codec.Type, payload []byte) (*message.Body, error) {
	cdc := t.codec
	if typ != cdc.Type() {
		if t.registry == nil {
			return nil, errors.Wrapf(codec.ErrUnknownCodec, "type %s", typ)
		}
		var err error
		if cdc, err = t.registry.Get(typ); err != nil {
			return nil, err
		}
	}
	return cdc.Deserialize(payload, 0)
}

// fail marks the transport closed and answers every pending call with err.
func (t *ClientTransport) fail(err error) {
	t.closed.Store(true)
	t.closeOnce.Do(func() { close(t.done) })
	fault := message.NewFault(errors.Wrap(err, "connection lost"))
	t.pending.Range(func(seq uint32, _ chan *message.Body) bool {
		if ch, ok := t.pending.LoadAndDelete(seq); ok {
			ch <- fault
		}
		return true
	})
}

// Close closes the connection; pending calls receive a fault.
func (t *ClientTransport) Close() error {
	t.closed.Store(true)
	t.closeOnce.Do(func() { close(t.done) })
	return t.conn.Close()
}

// Closed reports whether the connection has failed or been closed.
func (t *ClientTransport) Closed() bool {
	return t.closed.Load()
}

func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// heartbeatLoop sends empty heartbeat frames so idle connections stay open and
// dead ones are detected by a failing write.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{
			CodecType: byte(t.codec.Type()),
			MsgType:   protocol.MsgTypeHeartbeat,
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.logger.Debug("heartbeat failed", zap.Error(err))
			return
		}
	}
}
