// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/pairspace/cmd/pairspace/cli"
	"github.com/bureau-foundation/pairspace/lib/config"
	"github.com/bureau-foundation/pairspace/lib/version"
	"github.com/bureau-foundation/pairspace/relay"
	"github.com/bureau-foundation/pairspace/transport"
)

// redisPrefix matches the prefix clients use for signaling keys.
const redisPrefix = "pairspace"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type relayFlags struct {
	configPath  string
	envFile     string
	listen      string
	instance    string
	verbose     bool
	showVersion bool
}

func run(args []string) error {
	var flags relayFlags
	flagSet := pflag.NewFlagSet("pairspace-relay", pflag.ContinueOnError)
	flagSet.StringVar(&flags.configPath, "config", "", "path to pairspace.yaml (default $"+config.ConfigEnvVar+")")
	flagSet.StringVar(&flags.envFile, "env-file", ".env", "file of secrets loaded into the environment")
	flagSet.StringVar(&flags.listen, "listen", "", "listen address (overrides relay.listen_address)")
	flagSet.StringVar(&flags.instance, "instance", "", "instance name on the fanout (default: random)")
	flagSet.BoolVarP(&flags.verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolVar(&flags.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if flags.showVersion {
		fmt.Printf("pairspace-relay %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := cli.NewCommandLogger(flags.verbose).With("service", "pairspace-relay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	process, err := newRelay(cfg, flags, logger)
	if err != nil {
		return err
	}
	defer process.close()
	return process.serve(ctx)
}

func loadConfig(flags relayFlags) (*config.Config, error) {
	if err := config.LoadDotEnv(flags.envFile); err != nil {
		return nil, err
	}
	var (
		cfg *config.Config
		err error
	)
	switch {
	case flags.configPath != "":
		cfg, err = config.LoadFile(flags.configPath)
	case os.Getenv(config.ConfigEnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if flags.listen != "" {
		cfg.Relay.ListenAddress = flags.listen
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// relayProcess is everything one pairspace-relay runs.
type relayProcess struct {
	hub    *relay.Hub
	server *relay.Server
	// peers is nil unless WebRTC signaling is configured.
	peers   *transport.WebRTCTransport
	clients []*redis.Client
	logger  *slog.Logger
}

func newRelay(cfg *config.Config, flags relayFlags, logger *slog.Logger) (*relayProcess, error) {
	process := &relayProcess{logger: logger}

	hubConfig := relay.Config{
		Instance:    flags.instance,
		IdleTimeout: cfg.Relay.IdleTimeout.Std(),
		Logger:      logger,
	}
	if cfg.Relay.FanoutRedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Relay.FanoutRedisAddress})
		process.clients = append(process.clients, client)
		hubConfig.Fanout = relay.NewRedisFanout(client, redisPrefix, logger)
	}
	process.hub = relay.NewHub(hubConfig)

	server, err := relay.NewServer(relay.ServerConfig{
		Address: cfg.Relay.ListenAddress,
		Handler: process.hub.Handler(),
		Logger:  logger,
	})
	if err != nil {
		process.close()
		return nil, err
	}
	process.server = server

	if cfg.Relay.Signaling.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Relay.Signaling.RedisAddress})
		process.clients = append(process.clients, client)
		peers, err := transport.NewWebRTCTransport(transport.WebRTCConfig{
			Signaler:     transport.NewRedisSignaler(client, redisPrefix+":signaling", logger),
			Localpart:    cfg.Relay.Signaling.Localpart,
			ICE:          transport.ICEConfigFromSettings(cfg.ICE),
			PollInterval: cfg.Relay.Signaling.PollInterval.Std(),
			Logger:       logger,
		})
		if err != nil {
			process.close()
			return nil, err
		}
		process.peers = peers
	}
	return process, nil
}

// serve runs the HTTP server and, when configured, the WebRTC listener
// until ctx is cancelled or either fails.
func (p *relayProcess) serve(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return p.server.Serve(groupCtx)
	})
	if p.peers != nil {
		group.Go(func() error {
			return p.peers.Serve(groupCtx, p.hub.Accept)
		})
	}
	p.logger.Info("relay running",
		"version", version.Info(),
		"webrtc", p.peers != nil,
	)
	return group.Wait()
}

func (p *relayProcess) close() {
	if p.peers != nil {
		p.peers.Close()
	}
	if p.hub != nil {
		p.hub.Close()
	}
	for _, client := range p.clients {
		client.Close()
	}
}
