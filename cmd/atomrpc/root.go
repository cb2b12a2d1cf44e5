package main

import (
	"fmt"

	"atom-rpc/codec"
	"atom-rpc/config"
	"atom-rpc/logger"
	"atom-rpc/registry"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const Version = "0.1.0"

var (
	v   = viper.New()
	cfg *config.Config
	log = zap.NewNop()

	rootCmd = &cobra.Command{
		Use:   "atomrpc",
		Short: "small RPC framework with pluggable codecs",
		Long: fmt.Sprintf(`atomrpc (v%s)

Serve and call RPC services over a multiplexed TCP protocol. Settings come from
flags, ATOMRPC_* environment variables (also read from .env), and an optional
config file.`, Version),
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
		PersistentPostRun: func(*cobra.Command, []string) { _ = log.Sync() },
	}

	versionCmd = &cobra.Command{
		Use:               "version",
		Short:             "Print the version number of atomrpc",
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "atomrpc v%s\n", Version)
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd, callCmd, versionCmd)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.String("codec", "msgpack", "codec for requests (json, msgpack)")
	flags.Bool("strict", false, "msgpack: positional struct layout, unknown fields rejected")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	flags.StringSlice("etcd", nil, "etcd endpoints for service discovery")

	bind(rootCmd, "codec", "codec.name")
	bind(rootCmd, "strict", "codec.strict")
	bind(rootCmd, "log-level", "log.level")
	bind(rootCmd, "log-format", "log.format")
	bind(rootCmd, "etcd", "registry.endpoints")
}

// bind maps a flag of cmd onto a config key.
func bind(cmd *cobra.Command, name, key string) {
	f := cmd.PersistentFlags().Lookup(name)
	if f == nil {
		f = cmd.Flags().Lookup(name)
	}
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}

// loadConfig runs before every command: .env first, then defaults, file, env and flags.
func loadConfig(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	file, _ := cmd.Flags().GetString("config")
	var err error
	if cfg, err = config.Load(v, file); err != nil {
		return err
	}
	if log, err = logger.New(cfg.Log); err != nil {
		return err
	}
	return nil
}

// newCodecs returns the codec selected by c and a registry holding every codec
// this process can read.
func newCodecs(c config.CodecConfig, reg prometheus.Registerer) (codec.Codec, *codec.Registry, error) {
	t, err := codec.ParseType(c.Name)
	if err != nil {
		return nil, nil, err
	}
	strategy := codec.FieldsCompatible
	if c.Strict {
		strategy = codec.FieldsStrict
	}
	opts := []codec.Option{codec.WithLogger(log), codec.WithMetrics(reg)}
	codecs, err := codec.NewRegistry(
		codec.NewJSONCodec(opts...),
		codec.NewMsgpackCodec(append(opts, codec.WithFieldStrategy(strategy))...),
	)
	if err != nil {
		return nil, nil, err
	}
	selected, err := codecs.Get(t)
	if err != nil {
		return nil, nil, err
	}
	return selected, codecs, nil
}

// newRegistry connects to etcd when endpoints are configured, else returns nil.
func newRegistry(c config.RegistryConfig) (*registry.EtcdRegistry, error) {
	if len(c.Endpoints) == 0 {
		return nil, nil
	}
	return registry.NewEtcdRegistry(c.Endpoints, registry.WithPrefix(c.Prefix), registry.WithLogger(log))
}
