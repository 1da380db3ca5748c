// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/pairspace/chat"
	"github.com/bureau-foundation/pairspace/execution"
	"github.com/bureau-foundation/pairspace/lib/clock"
	"github.com/bureau-foundation/pairspace/lib/config"
	"github.com/bureau-foundation/pairspace/lib/retry"
	"github.com/bureau-foundation/pairspace/media"
	"github.com/bureau-foundation/pairspace/roster"
	"github.com/bureau-foundation/pairspace/session"
	"github.com/bureau-foundation/pairspace/transport"
)

// redisPrefix namespaces every key pairspace writes to Redis.
const redisPrefix = "pairspace"

// chatHistoryCap bounds each session's chat stream.
const chatHistoryCap = 10000

// services holds the collaborators built from the configuration and
// the cleanup that releases them, newest first.
type services struct {
	config  session.Config
	closers []func()
}

func (s *services) onClose(closer func()) {
	s.closers = append(s.closers, closer)
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// buildServices connects to everything cfg names. withMedia adds the
// conference leg when a media server is configured.
func buildServices(ctx context.Context, cfg *config.Config, withMedia bool, logger *slog.Logger) (*services, error) {
	built := &services{}
	ok := false
	defer func() {
		if !ok {
			built.Close()
		}
	}()

	dialer, err := buildDialer(cfg, built, logger)
	if err != nil {
		return nil, err
	}
	sandbox, err := buildSandbox(cfg, logger)
	if err != nil {
		return nil, err
	}
	built.config = session.Config{
		Dialer:  dialer,
		Sandbox: sandbox,
		Sync: session.SyncSettings{
			HandshakeTimeout: cfg.Sync.HandshakeTimeout.Std(),
			ResyncInterval:   cfg.Sync.ResyncInterval.Std(),
			Backoff:          retry.FromConfig(cfg.Sync.Backoff, 0),
		},
		Awareness: session.AwarenessSettings{
			Debounce:        cfg.Awareness.Debounce.Std(),
			LivenessTimeout: cfg.Awareness.LivenessTimeout.Std(),
			Heartbeat:       cfg.Awareness.Heartbeat.Std(),
		},
		Logger: logger,
	}

	if cfg.Roster.DatabaseURL != "" {
		members, err := roster.Open(ctx, cfg.Roster.DatabaseURL)
		if err != nil {
			return nil, err
		}
		built.onClose(members.Close)
		built.config.Roster = members
	}

	if cfg.Chat.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Chat.RedisAddress})
		built.onClose(func() { client.Close() })
		built.config.Chat = chat.NewRedis(client, redisPrefix, chatHistoryCap, logger)
	}

	if withMedia {
		if cfg.Media.ServerURL == "" {
			return nil, fmt.Errorf("--media needs media.server_url in the configuration")
		}
		built.config.Media = &session.MediaSettings{
			ServerURL: cfg.Media.ServerURL,
			Tokens: &media.TokenClient{
				BaseURL: cfg.Media.TokenURL,
				APIKey:  os.Getenv(media.TokenKeyEnvVar),
			},
			Provider: &media.WHIPProvider{
				ICE:    transport.ICEConfigFromSettings(cfg.ICE),
				Logger: logger,
			},
			// A terminal has no camera or microphone; the synthetic
			// device publishes generated frames.
			Devices: func(participant roster.Participant) media.CaptureDevice {
				return media.NewSyntheticDevice(participant.ID, clock.Real())
			},
			MaxJoinAttempts: cfg.Media.MaxJoinAttempts,
			Backoff:         retry.FromConfig(cfg.Media.Backoff, 0),
		}
	}

	ok = true
	return built, nil
}

func buildDialer(cfg *config.Config, built *services, logger *slog.Logger) (transport.Dialer, error) {
	switch cfg.Sync.Transport {
	case "webrtc":
		if cfg.Relay.Signaling.RedisAddress == "" {
			return nil, fmt.Errorf("sync.transport webrtc needs relay.signaling.redis_address")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.Relay.Signaling.RedisAddress})
		built.onClose(func() { client.Close() })
		peers, err := transport.NewWebRTCTransport(transport.WebRTCConfig{
			Signaler:     transport.NewRedisSignaler(client, redisPrefix+":signaling", logger),
			Localpart:    "client-" + uuid.NewString(),
			Peer:         cfg.Relay.Signaling.Localpart,
			ICE:          transport.ICEConfigFromSettings(cfg.ICE),
			PollInterval: cfg.Relay.Signaling.PollInterval.Std(),
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		built.onClose(func() { peers.Close() })
		return peers, nil
	default:
		return &transport.WebSocketDialer{URL: cfg.Sync.RelayURL, Logger: logger}, nil
	}
}

func buildSandbox(cfg *config.Config, logger *slog.Logger) (*execution.Client, error) {
	client := &execution.Client{
		BaseURL:    cfg.Sandbox.URL,
		Host:       cfg.Sandbox.Host,
		APIKey:     os.Getenv(execution.KeyEnvVar),
		HTTPClient: &http.Client{Timeout: cfg.Sandbox.Timeout.Std()},
		Logger:     logger,
	}
	if cfg.Sandbox.LanguagesFile != "" {
		table, err := config.LoadLanguageTable(cfg.Sandbox.LanguagesFile)
		if err != nil {
			return nil, err
		}
		client.Languages = table
	}
	return client, nil
}
