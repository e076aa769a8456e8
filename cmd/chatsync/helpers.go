package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prismer-ai/chatsync"
	"github.com/rs/zerolog"
)

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().
		Logger()
}

// requireAuth loads the config and checks that credentials are present.
func requireAuth() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("no credentials, run 'chatsync init <user-id> <token>' first")
	}
	return cfg, nil
}

func newClient(cfg *Config) *chatsync.Client {
	opts := []chatsync.ClientOption{chatsync.WithUserID(cfg.Auth.UserID)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(cfg.Auth.Token, opts...)
}

// engineOptions maps the [engine] section onto chatsync.Options.
func engineOptions(cfg *Config, log *zerolog.Logger) (chatsync.Options, error) {
	opts := chatsync.Options{
		UserID:             cfg.Auth.UserID,
		DefaultAvatar:      cfg.Engine.DefaultAvatar,
		ProfileConcurrency: cfg.Engine.ProfileConcurrency,
		Logger:             log,
	}
	if cfg.Engine.MutationTimeout != "" {
		d, err := time.ParseDuration(cfg.Engine.MutationTimeout)
		if err != nil {
			return opts, fmt.Errorf("invalid engine.mutation_timeout: %w", err)
		}
		opts.MutationTimeout = d
	}
	return opts, nil
}

// session is a started engine and the transport behind it.
type session struct {
	engine *chatsync.Engine
	closer func()
}

func (s *session) Close() {
	_ = s.engine.Close()
	s.closer()
}

// openSession connects the configured transport and starts an engine on it.
func openSession(ctx context.Context, cfg *Config, log zerolog.Logger, metrics *chatsync.Metrics) (*session, error) {
	client := newClient(cfg)

	var (
		transport chatsync.Transport
		closer    func()
	)
	switch cfg.Default.Transport {
	case "", "ws":
		ws := client.ConnectWS(&chatsync.RealtimeConfig{AutoReconnect: true, Logger: &log})
		if err := ws.Connect(ctx); err != nil {
			return nil, err
		}
		transport = ws
		closer = func() { _ = ws.Disconnect() }
	case "nats":
		nt, err := chatsync.DialNATS(chatsync.NATSConfig{
			URL:    cfg.Default.NATSURL,
			Token:  cfg.Auth.Token,
			UserID: cfg.Auth.UserID,
			Logger: &log,
		})
		if err != nil {
			return nil, err
		}
		transport = nt
		closer = func() { _ = nt.Close() }
	default:
		return nil, fmt.Errorf("unknown transport %q (valid: ws, nats)", cfg.Default.Transport)
	}

	opts, err := engineOptions(cfg, &log)
	if err != nil {
		closer()
		return nil, err
	}
	opts.ProfileFetcher = client
	opts.Metrics = metrics

	engine, err := chatsync.New(transport, opts)
	if err != nil {
		closer()
		return nil, err
	}
	if err := engine.Start(ctx); err != nil {
		_ = engine.Close()
		closer()
		return nil, err
	}
	return &session{engine: engine, closer: closer}, nil
}
