package main

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Prismer-AI/chatsync"
	"github.com/Prismer-AI/chatsync/sqlitestore"
)

// requireAuth loads the config and checks that the CLI has been initialized.
func requireAuth() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("no credentials configured; run 'chatsync init <token> <user-id>' first")
	}
	if cfg.Default.BaseURL == "" {
		return nil, fmt.Errorf("no API endpoint configured; run 'chatsync config set default.base_url <url>'")
	}
	return cfg, nil
}

func newClient(cfg *Config, log *zerolog.Logger) *chatsync.Client {
	return chatsync.NewClient(cfg.Default.BaseURL, cfg.Auth.Token, cfg.Auth.UserID,
		chatsync.WithLogger(log),
		chatsync.WithUserAgent("chatsync-cli"),
	)
}

// openStore opens the local history database, ~/.chatsync/history.db by default.
func openStore(cfg *Config) (*sqlitestore.Store, error) {
	path := cfg.Storage.Path
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "history.db")
	}
	dsn, err := sqlitestore.DSNForFile(path)
	if err != nil {
		return nil, err
	}
	store, err := sqlitestore.New(dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open history %s: %w", path, err)
	}
	return store, nil
}

// newTransport builds the configured push transport and the credential it
// authenticates with.
func newTransport(cfg *Config, log *zerolog.Logger) (chatsync.Transport, string, error) {
	credential := cfg.Auth.Token
	if cfg.Push.Password != "" {
		credential = cfg.Push.Password
	}

	switch cfg.Push.Transport {
	case "", "websocket":
		u := cfg.Push.URL
		if u == "" {
			derived, err := websocketURL(cfg.Default.BaseURL)
			if err != nil {
				return nil, "", err
			}
			u = derived
		}
		return &chatsync.WebSocketTransport{URL: u}, credential, nil
	case "nats":
		if cfg.Push.URL == "" {
			return nil, "", fmt.Errorf("push.url is required for the nats transport")
		}
		return &chatsync.NATSTransport{URL: cfg.Push.URL, Name: "chatsync-" + cfg.Auth.UserID}, credential, nil
	case "redis":
		if cfg.Push.URL == "" {
			return nil, "", fmt.Errorf("push.url is required for the redis transport")
		}
		// the API token is not a Redis password
		return &chatsync.RedisStreamTransport{
			Addr:          cfg.Push.URL,
			ConsumerGroup: cfg.Push.ConsumerGroup,
			Consumer:      cfg.Auth.UserID,
			Logger:        log,
		}, cfg.Push.Password, nil
	default:
		return nil, "", fmt.Errorf("unknown transport %q", cfg.Push.Transport)
	}
}

// websocketURL derives the push endpoint from the REST base URL.
func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid base_url %q", baseURL)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
