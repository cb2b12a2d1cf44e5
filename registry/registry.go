// Package registry lets servers publish their address per service and lets
// clients discover them.
package registry

import "context"

type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
	Codecs  []byte `json:",omitempty"` // Codec type tags the instance accepts
}

type Registry interface {
	// Register publishes instance under serviceName for ttl seconds, renewed
	// until Deregister or process exit.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list on every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
