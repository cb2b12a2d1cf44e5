// Package client calls remote services: it discovers instances in a registry,
// picks one with a load balancer and multiplexes calls over a small pool of
// transports per address.
package client

import (
	"context"
	"net"
	"sync"
	"time"

	"atom-rpc/codec"
	"atom-rpc/loadbalance"
	"atom-rpc/message"
	"atom-rpc/registry"
	"atom-rpc/transport"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const DefaultPoolSize = 4

// ErrServerFault wraps the fault text returned by the remote method.
var ErrServerFault = errors.New("server error")

type Client struct {
	registry   registry.Registry // find service instance from registry
	balancer   loadbalance.Balancer
	codec      codec.Codec
	codecs     *codec.Registry
	transports map[string]chan *transport.ClientTransport // transport pool for each instance address
	mu         sync.Mutex
	poolSize   int
	heartbeat  time.Duration
	dialer     net.Dialer
	logger     *zap.Logger
}

type Option func(*Client)

func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.heartbeat = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialer.Timeout = d }
}

// WithCodecs lets transports read responses framed with a codec other than the client's.
func WithCodecs(r *codec.Registry) Option {
	return func(c *Client) { c.codecs = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, cdc codec.Codec, poolSize int, opts ...Option) *Client {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	c := &Client{
		registry:   reg,
		balancer:   bal,
		codec:      cdc,
		transports: make(map[string]chan *transport.ClientTransport),
		poolSize:   poolSize,
		heartbeat:  transport.DefaultHeartbeat,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("client")
	return c
}

// getTransport takes a transport for addr from its pool, filling the pool on
// first use. Broken transports are replaced by a fresh connection.
func (c *Client) getTransport(ctx context.Context, addr string) (*transport.ClientTransport, error) {
	c.mu.Lock()
	pool, ok := c.transports[addr]
	if !ok {
		pool = make(chan *transport.ClientTransport, c.poolSize)
		for i := 0; i < c.poolSize; i++ {
			pool <- nil // dialed lazily
		}
		c.transports[addr] = pool
	}
	c.mu.Unlock()

	var t *transport.ClientTransport
	select {
	case t = <-pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if t != nil && !t.Closed() {
		return t, nil
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		pool <- nil
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	opts := []transport.Option{
		transport.WithHeartbeat(c.heartbeat),
		transport.WithLogger(c.logger),
	}
	if c.codecs != nil {
		opts = append(opts, transport.WithRegistry(c.codecs))
	}
	return transport.NewClientTransport(conn, c.codec, opts...), nil
}

func (c *Client) putTransport(addr string, t *transport.ClientTransport) {
	c.mu.Lock()
	pool := c.transports[addr]
	c.mu.Unlock()
	if pool == nil {
		t.Close() // client closed meanwhile
		return
	}
	pool <- t
}

// Call invokes serviceMethod ("Service.Method") with args and binds the result into reply,
// which must be a pointer. A fault reported by the server is returned as an error
// wrapping ErrServerFault. With a key-aware balancer, ctx may carry a routing key
// (loadbalance.WithKey).
func (c *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	serviceName, _, err := message.ParseServiceMethod(serviceMethod)
	if err != nil {
		return err
	}

	instances, err := c.registry.Discover(ctx, serviceName)
	if err != nil {
		return err
	}
	instance, err := c.pick(ctx, serviceName, instances)
	if err != nil {
		return errors.Wrapf(err, "pick instance for %s", serviceName)
	}

	arg, err := message.Normalize(args)
	if err != nil {
		return err
	}
	req, err := message.NewRequest(serviceMethod, arg)
	if err != nil {
		return err
	}

	t, err := c.getTransport(ctx, instance.Addr)
	if err != nil {
		return err
	}
	defer c.putTransport(instance.Addr, t)

	resp, err := t.Call(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "call %s on %s", serviceMethod, instance.Addr)
	}
	if resp.Fault != "" {
		return errors.Wrapf(ErrServerFault, "%s: %s", serviceMethod, resp.Fault)
	}
	if reply == nil {
		return nil
	}
	return message.Bind(resp.Return, reply)
}

// pick routes by the key from loadbalance.WithKey, or by service name, when the
// balancer is key-aware.
func (c *Client) pick(ctx context.Context, serviceName string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	kb, ok := c.balancer.(loadbalance.KeyedBalancer)
	if !ok {
		return c.balancer.Pick(instances)
	}
	key := loadbalance.KeyFromContext(ctx)
	if key == "" {
		key = serviceName
	}
	return kb.PickKey(instances, key)
}

// Close closes every pooled connection. Calls in progress fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, pool := range c.transports {
	drain:
		for {
			select {
			case t := <-pool:
				if t != nil {
					t.Close()
				}
			default:
				break drain
			}
		}
		delete(c.transports, addr)
	}
	return nil
}
