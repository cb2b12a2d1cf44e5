// Package server implements the RPC server with service registration, middleware chain,
// pooled request processing, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: worker pool runs handleRequest
//	    → codec by frame tag → Deserialize → Middleware Chain → businessHandler (reflect.Call)
//	    → Serialize → write response
package server

import (
	"context"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"atom-rpc/codec"
	"atom-rpc/message"
	"atom-rpc/middleware"
	"atom-rpc/protocol"
	"atom-rpc/registry"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

const (
	DefaultWorkers = 1024
	DefaultTTL     = 10 // seconds
	DefaultWeight  = 10
)

var (
	ErrServiceNotFound = errors.New("rpc: service not found")
	ErrMethodNotFound  = errors.New("rpc: method not found")
	ErrServerClosed    = errors.New("rpc: server closed")
)

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	mu            sync.RWMutex
	serviceMap    map[string]*service // "Arith" → *service
	listener      net.Listener
	conns         *xsync.MapOf[net.Conn, struct{}]
	wg            sync.WaitGroup // in-flight requests
	drainMu       sync.Mutex     // orders wg.Add against the shutdown flag so no Add follows Wait
	shutdown      atomic.Bool    // set before the listener is closed so Accept errors are expected
	middlewares   []middleware.Middleware
	handler       middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
	codecs        *codec.Registry
	pool          *ants.Pool
	registry      registry.Registry // nil if not using discovery
	advertiseAddr string            // routable address published in the registry, unlike ":8080"
	ttl           int64
	weight        int
	logger        *zap.Logger
}

type Option func(*options)

type options struct {
	codecs  *codec.Registry
	workers int
	ttl     int64
	weight  int
	logger  *zap.Logger
}

// WithCodecs sets the codecs the server accepts. Defaults to codec.Default().
func WithCodecs(r *codec.Registry) Option {
	return func(o *options) { o.codecs = r }
}

// WithWorkers bounds the number of requests processed concurrently.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithTTL sets the registry lease in seconds.
func WithTTL(ttl int64) Option {
	return func(o *options) { o.ttl = ttl }
}

func WithWeight(w int) Option {
	return func(o *options) { o.weight = w }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func NewServer(opts ...Option) (*Server, error) {
	o := &options{
		workers: DefaultWorkers,
		ttl:     DefaultTTL,
		weight:  DefaultWeight,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.codecs == nil {
		o.codecs = codec.Default(codec.WithLogger(o.logger))
	}

	s := &Server{
		serviceMap: make(map[string]*service),
		conns:      xsync.NewMapOf[net.Conn, struct{}](),
		codecs:     o.codecs,
		ttl:        o.ttl,
		weight:     o.weight,
		logger:     o.logger.Named("server"),
	}
	pool, err := ants.NewPool(o.workers, ants.WithPanicHandler(func(r any) {
		s.logger.Error("worker panic", zap.Any("panic", r))
	}))
	if err != nil {
		return nil, errors.Wrap(err, "create worker pool")
	}
	s.pool = pool
	return s, nil
}

// Register registers a service receiver (e.g., &Arith{}) with the server.
// The struct's exported methods that match the RPC signature will be available for remote calls.
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, dup := svr.serviceMap[svc.name]; dup {
		return errors.Newf("rpc: service %s already registered", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	svr.logger.Debug("service registered", zap.String("service", svc.name), zap.Int("methods", len(svc.method)))
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and serves until Shutdown.
//
// Parameters:
//   - advertiseAddr: the address to register (e.g., "127.0.0.1:8080").
//     This differs from the listen address because ":8080" is not routable.
//   - reg: the registry implementation. Pass nil to skip service discovery.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return errors.Wrapf(err, "listen %s", address)
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener is Serve on an existing listener.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	if svr.shutdown.Load() {
		listener.Close()
		return ErrServerClosed
	}

	svr.mu.Lock()
	svr.listener = listener
	// Build the middleware chain once at startup, not per request.
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	svr.advertiseAddr = advertiseAddr
	svr.registry = reg
	names := svr.serviceNames()
	svr.mu.Unlock()

	if reg != nil {
		instance := registry.ServiceInstance{
			Addr:   advertiseAddr,
			Weight: svr.weight,
			Codecs: svr.codecTags(),
		}
		for _, name := range names {
			if err := reg.Register(context.Background(), name, instance, svr.ttl); err != nil {
				listener.Close()
				return errors.Wrapf(err, "register %s", name)
			}
		}
	}

	svr.logger.Info("serving", zap.Stringer("addr", listener.Addr()), zap.Strings("services", names))
	for {
		conn, err := listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.conns.Store(conn, struct{}{})
		go svr.handleConn(conn)
	}
}

// Addr returns the listener address, or nil before serving.
func (svr *Server) Addr() net.Addr {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

func (svr *Server) serviceNames() []string {
	names := make([]string, 0, len(svr.serviceMap))
	for name := range svr.serviceMap {
		names = append(names, name)
	}
	return names
}

func (svr *Server) codecTags() []byte {
	types := svr.codecs.Types()
	tags := make([]byte, len(types))
	for i, t := range types {
		tags[i] = byte(t)
	}
	return tags
}

// handleConn runs the single reader of a connection and hands each request to
// the worker pool. writeMu is shared by the workers answering on this conn so
// response frames never interleave.
func (svr *Server) handleConn(conn net.Conn) {
	defer func() {
		svr.conns.Delete(conn)
		conn.Close()
	}()
	log := svr.logger.With(zap.Stringer("remote", conn.RemoteAddr()))
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !svr.shutdown.Load() {
				log.Debug("connection closed", zap.Error(err))
			}
			return
		}

		// Heartbeats only keep the connection alive.
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		if header.MsgType != protocol.MsgTypeRequest {
			log.Warn("unexpected frame", zap.Uint8("msg_type", byte(header.MsgType)), zap.Uint32("seq", header.Seq))
			continue
		}

		if !svr.admit() {
			svr.reject(conn, writeMu, header, ErrServerClosed)
			continue
		}
		err = svr.pool.Submit(func() {
			defer svr.wg.Done()
			svr.handleRequest(header, body, conn, writeMu)
		})
		if err != nil {
			svr.wg.Done()
			log.Warn("request rejected", zap.Uint32("seq", header.Seq), zap.Error(err))
			svr.reject(conn, writeMu, header, ErrServerClosed)
		}
	}
}

// admit counts a request as in flight unless shutdown has begun.
func (svr *Server) admit() bool {
	svr.drainMu.Lock()
	defer svr.drainMu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

// reject answers a request with err without running it, in the request's codec
// when the server has it.
func (svr *Server) reject(conn net.Conn, writeMu *sync.Mutex, header *protocol.Header, err error) {
	cdc, cerr := svr.codecs.Get(codec.Type(header.CodecType))
	if cerr != nil {
		cdc = svr.fallbackCodec()
	}
	svr.reply(conn, writeMu, cdc, header.Seq, message.NewFault(err))
}

// handleRequest processes one request: decode → middleware → business logic → encode → write.
// The reply uses the codec the request arrived in.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	cdc, err := svr.codecs.Get(codec.Type(header.CodecType))
	if err != nil {
		svr.logger.Warn("unsupported codec", zap.Uint8("codec", header.CodecType), zap.Uint32("seq", header.Seq))
		svr.reply(conn, writeMu, svr.fallbackCodec(), header.Seq, message.NewFault(err))
		return
	}

	var resp *message.Body
	req, err := cdc.Deserialize(body, 0)
	if err != nil {
		svr.logger.Warn("bad request body", zap.Stringer("codec", cdc.Type()), zap.Uint32("seq", header.Seq), zap.Error(err))
		resp = message.NewFault(err)
	} else {
		resp = svr.handler(context.Background(), req)
	}
	svr.reply(conn, writeMu, cdc, header.Seq, resp)
}

// fallbackCodec answers requests whose codec tag is not served. Clients that
// know the tag can still read the fault.
func (svr *Server) fallbackCodec() codec.Codec {
	for _, t := range svr.codecs.Types() {
		if c, err := svr.codecs.Get(t); err == nil {
			return c
		}
	}
	return codec.NewJSONCodec()
}

func (svr *Server) reply(conn net.Conn, writeMu *sync.Mutex, cdc codec.Codec, seq uint32, resp *message.Body) {
	payload, err := cdc.Serialize(resp)
	if err != nil {
		svr.logger.Error("encode response", zap.Uint32("seq", seq), zap.Error(err))
		if payload, err = cdc.Serialize(message.NewFault(err)); err != nil {
			return
		}
	}

	// Same seq as the request; this is how the client matches it.
	header := protocol.Header{
		CodecType: byte(cdc.Type()),
		MsgType:   protocol.MsgTypeResponse,
		Seq:       seq,
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &header, payload); err != nil {
		svr.logger.Debug("write response", zap.Uint32("seq", seq), zap.Error(err))
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop routing to this server)
//  2. Set shutdown flag (Accept errors become expected, new requests get ErrServerClosed)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight requests to finish (with timeout)
//  5. Close remaining connections and the worker pool
func (svr *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	svr.mu.RLock()
	reg, addr, listener := svr.registry, svr.advertiseAddr, svr.listener
	names := svr.serviceNames()
	svr.mu.RUnlock()

	if reg != nil {
		for _, name := range names {
			if err := reg.Deregister(ctx, name, addr); err != nil {
				svr.logger.Warn("deregister failed", zap.String("service", name), zap.Error(err))
			}
		}
	}

	svr.drainMu.Lock()
	svr.shutdown.Store(true)
	svr.drainMu.Unlock()
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.New("timeout waiting for ongoing requests to finish")
	}

	svr.conns.Range(func(conn net.Conn, _ struct{}) bool {
		conn.Close()
		return true
	})
	svr.pool.Release()
	svr.logger.Info("server stopped", zap.Error(err))
	return err
}

// businessHandler dispatches a request to its service method. It is wrapped by
// the middleware chain.
//
// Flow: find service → find method → reflect.New(args) → Bind(Args[0]) →
// reflect.Call → Normalize(reply) → Return
func (svr *Server) businessHandler(ctx context.Context, req *message.Body) *message.Body {
	svc, mtype, err := svr.lookup(req)
	if err != nil {
		return message.NewFault(err)
	}

	argv := reflect.New(mtype.ArgType)
	replyv := reflect.New(mtype.ReplyType)
	switch len(req.Args) {
	case 0:
	case 1:
		if err := message.Bind(req.Args[0], argv.Interface()); err != nil {
			return message.NewFault(err)
		}
	default:
		return message.NewFault(errors.Newf("rpc: %s takes 1 argument, got %d", req.ServiceMethod(), len(req.Args)))
	}

	resp := &message.Body{Service: req.Service, Method: req.Method}
	if err := svc.call(mtype, argv, replyv); err != nil {
		resp.Fault = err.Error()
		return resp
	}
	if resp.Return, err = message.Normalize(replyv.Interface()); err != nil {
		return message.NewFault(err)
	}
	return resp
}

func (svr *Server) lookup(req *message.Body) (*service, *methodType, error) {
	if req.Method == nil || req.Service == "" || req.Method.Name == "" {
		return nil, nil, errors.Wrapf(message.ErrInvalidServiceMethod, "%q", req.ServiceMethod())
	}
	svr.mu.RLock()
	svc, ok := svr.serviceMap[req.Service]
	svr.mu.RUnlock()
	if !ok {
		return nil, nil, errors.Wrapf(ErrServiceNotFound, "%s", req.Service)
	}
	mtype, ok := svc.method[req.Method.Name]
	if !ok {
		return nil, nil, errors.Wrapf(ErrMethodNotFound, "%s", req.ServiceMethod())
	}
	return svc, mtype, nil
}
