package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	rentdesk "github.com/rentdesk/sdk-go"
)

// newSession picks a JWTSession when the token is a JWT and a static token
// otherwise. An empty token means no session.
func newSession(token string) rentdesk.Session {
	if token == "" {
		return nil
	}
	if s, err := rentdesk.NewJWTSession(token); err == nil {
		return s
	}
	return rentdesk.StaticToken(token)
}

// storePath returns the offline database location, ~/.rentdesk/offline.db by default.
func storePath(cfg *Config) (string, error) {
	if cfg.Default.StorePath != "" {
		return cfg.Default.StorePath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "offline.db"), nil
}

func clientOptions(cfg *Config) []rentdesk.ClientOption {
	var opts []rentdesk.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, rentdesk.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" {
		opts = append(opts, rentdesk.WithEnvironment(rentdesk.Environment(cfg.Default.Environment)))
	}
	if cfg.Default.APIPrefix != "" {
		opts = append(opts, rentdesk.WithAPIPrefix(cfg.Default.APIPrefix))
	}
	return opts
}

// openClient builds a client over the on-disk store. The caller closes it.
func openClient(cfg *Config, session rentdesk.Session, monitor *rentdesk.NetworkMonitor) (*rentdesk.Client, error) {
	path, err := storePath(cfg)
	if err != nil {
		return nil, err
	}
	opts := clientOptions(cfg)
	opts = append(opts,
		rentdesk.WithStore(rentdesk.OpenStore(path, slog.Default())),
		rentdesk.WithLogger(slog.Default()),
		rentdesk.WithSessionExpiredHandler(func() {
			fmt.Fprintln(os.Stderr, "Session expired. Run 'rentdesk init <token>' to sign in again.")
		}),
	)
	if session != nil {
		opts = append(opts, rentdesk.WithSession(session))
	}
	if monitor != nil {
		opts = append(opts, rentdesk.WithNetworkMonitor(monitor))
	}
	return rentdesk.NewClient(opts...), nil
}

// getClient loads config, probes connectivity once and returns a client whose
// monitor reflects the result, so writes made while offline get queued.
func getClient(ctx context.Context) (*rentdesk.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	client, err := openClient(cfg, newSession(cfg.Auth.Token), nil)
	if err != nil {
		return nil, nil, err
	}
	probe := newProbe(cfg, client.BaseURL())
	if err := probe.Probe(ctx); err != nil {
		slog.Debug("backend unreachable, working offline", "error", err)
		client.Network().SetOnline(false)
	}
	if c, ok := probe.(interface{ Close() error }); ok {
		c.Close()
	}
	return client, cfg, nil
}

func newProbe(cfg *Config, baseURL string) rentdesk.Probe {
	if cfg.Sync.Probe == "websocket" {
		return rentdesk.NewWebSocketProbe(baseURL, valueOrDefault(cfg.Sync.WebSocketPath, "/ws/health/"))
	}
	return &rentdesk.HTTPProbe{URL: baseURL + "/"}
}

func flushOptions(cfg *Config) *rentdesk.FlushOptions {
	return &rentdesk.FlushOptions{
		BatchSize:  cfg.Sync.BatchSize,
		Interval:   durationOr(cfg.Sync.Interval, rentdesk.DefaultFlushInterval),
		MaxRetries: cfg.Sync.MaxRetries,
	}
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration in config, using default", "value", s, "default", def)
		return def
	}
	return d
}

// readBody accepts inline JSON, @file, or - for stdin.
func readBody(arg string) (json.RawMessage, error) {
	var data []byte
	var err error
	switch {
	case arg == "-":
		data, err = io.ReadAll(os.Stdin)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(arg[1:])
	default:
		data = []byte(arg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read body: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("body is not valid JSON")
	}
	return data, nil
}

// maskKey shows the first 12 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) < 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
