package main

import (
	"context"
	"encoding/json"
	"fmt"

	"atom-rpc/client"
	"atom-rpc/loadbalance"
	"atom-rpc/message"
	"atom-rpc/registry"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call Service.Method [arg]",
	Short: "Call a remote method and print its result as JSON",
	Long: `Call a remote method and print its result as JSON.

The argument is parsed as JSON when it is valid JSON and sent as a plain string
otherwise. The target is --addr, or an instance discovered through --etcd.`,
	Example: `  atomrpc call --addr 127.0.0.1:9000 Echo.Echo hello
  atomrpc call --etcd 127.0.0.1:2379 --codec json Echo.Upper '"hi"'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

func init() {
	flags := callCmd.Flags()
	flags.String("addr", "", "call this address directly, bypassing discovery")
	flags.Duration("timeout", 0, "call timeout (default client.call_timeout)")
	flags.String("balancer", "roundrobin", "instance selection (roundrobin, weighted, consistenthash)")

	bind(callCmd, "timeout", "client.call_timeout")
	bind(callCmd, "balancer", "client.balancer")
}

func runCall(cmd *cobra.Command, args []string) error {
	serviceMethod := args[0]
	service, _, err := message.ParseServiceMethod(serviceMethod)
	if err != nil {
		return err
	}

	reg, closeReg, err := callRegistry(cmd, service)
	if err != nil {
		return err
	}
	defer closeReg()

	bal, err := loadbalance.New(cfg.Client.Balancer)
	if err != nil {
		return err
	}
	cdc, codecs, err := newCodecs(cfg.Codec, nil)
	if err != nil {
		return err
	}
	cli := client.NewClient(reg, bal, cdc, 1,
		client.WithCodecs(codecs),
		client.WithHeartbeat(cfg.Client.Heartbeat),
		client.WithLogger(log),
	)
	defer cli.Close()

	var param any
	if len(args) == 2 {
		param = parseArg(args[1])
	}

	ctx := cmd.Context()
	if cfg.Client.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Client.CallTimeout)
		defer cancel()
	}

	var reply any
	if err := cli.Call(ctx, serviceMethod, param, &reply); err != nil {
		return err
	}
	out, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// callRegistry pins --addr in a memory registry, or falls back to etcd.
func callRegistry(cmd *cobra.Command, service string) (registry.Registry, func(), error) {
	addr, _ := cmd.Flags().GetString("addr")
	if addr != "" {
		mem := registry.NewMemoryRegistry()
		if err := mem.Register(cmd.Context(), service, registry.ServiceInstance{Addr: addr}, 0); err != nil {
			return nil, nil, err
		}
		return mem, func() {}, nil
	}
	etcd, err := newRegistry(cfg.Registry)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect registry")
	}
	if etcd == nil {
		return nil, nil, errors.New("no target: set --addr or --etcd")
	}
	return etcd, func() { etcd.Close() }, nil
}

func parseArg(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
