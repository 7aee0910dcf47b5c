// ABOUTME: Root cobra command, config resolution, and client construction.
// ABOUTME: Flags override config file values which override environment.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/2389/coven-control/internal/chat"
	"github.com/2389/coven-control/internal/client"
	"github.com/2389/coven-control/internal/config"
)

const version = "0.2.0"

var (
	flagConfig  string
	flagURL     string
	flagToken   string
	flagSession string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:           "coven-control",
	Short:         "Chat with and operate a coven gateway",
	Long:          "coven-control talks to a running gateway over its WebSocket control channel:\ninteractive chat with live streaming, plus session, status, and log inspection.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.config/coven-control/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "", "gateway WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "gateway auth token (or COVEN_GATEWAY_TOKEN)")
	rootCmd.PersistentFlags().StringVarP(&flagSession, "session", "s", "", "session key to operate on")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(callCmd)
}

// resolveConfig builds the effective config from file, environment, and
// flags, in increasing precedence.
func resolveConfig() (*config.Config, error) {
	var cfg *config.Config

	path := flagConfig
	if path == "" {
		if p := config.DefaultPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}

	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
		cfg.Gateway.URL = os.Getenv("COVEN_GATEWAY_URL")
		cfg.Gateway.HandshakeTimeout = config.DefaultHandshakeTimeout
		cfg.Gateway.CallTimeout = config.DefaultCallTimeout
		cfg.Gateway.ReconnectInitial = config.DefaultReconnectInitial
		cfg.Gateway.ReconnectMax = config.DefaultReconnectMax
		cfg.Chat.SessionKey = config.DefaultSessionKey
	}

	if cfg.Gateway.Token == "" {
		cfg.Gateway.Token = os.Getenv("COVEN_GATEWAY_TOKEN")
	}

	if flagURL != "" {
		cfg.Gateway.URL = flagURL
	}
	if flagToken != "" {
		cfg.Gateway.Token = flagToken
	}
	if flagSession != "" {
		cfg.Chat.SessionKey = flagSession
	}

	if cfg.Gateway.URL == "" {
		return nil, fmt.Errorf("no gateway URL: pass --url, set COVEN_GATEWAY_URL, or create a config file")
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	} else if cfg.Logging.Level != "" {
		_ = level.UnmarshalText([]byte(cfg.Logging.Level))
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// connect builds a client from the resolved config and brings the link up.
func connect(ctx context.Context, sink chat.Sink) (*client.Client, *config.Config, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, nil, err
	}

	c := client.New(client.Options{
		URL:              cfg.Gateway.URL,
		Token:            cfg.Gateway.Token,
		ClientName:       "coven-control",
		ClientVersion:    version,
		SessionKey:       cfg.Chat.SessionKey,
		Deliver:          cfg.Chat.Deliver,
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
		CallTimeout:      cfg.Gateway.CallTimeout,
		ReconnectInitial: cfg.Gateway.ReconnectInitial,
		ReconnectMax:     cfg.Gateway.ReconnectMax,
		Sink:             sink,
		Logger:           newLogger(cfg),
	})

	if err := c.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", cfg.Gateway.URL, err)
	}
	return c, cfg, nil
}
