// Package redisutil centralizes Redis client construction: URL parsing,
// TLS wiring from the environment, and bounded-retry connection checks.
package redisutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signalmesh/signalmesh/core/infra/logging"
)

const (
	envRedisTLSCA       = "REDIS_TLS_CA"
	envRedisTLSCert     = "REDIS_TLS_CERT"
	envRedisTLSKey      = "REDIS_TLS_KEY"
	envRedisTLSInsecure = "REDIS_TLS_INSECURE"

	defaultPingTimeout = 2 * time.Second
)

// NewClient creates a Redis client from a redis:// URL with optional TLS
// settings taken from the environment.
func NewClient(url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	tlsConfig, err := tlsConfigFromEnv(opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts.TLSConfig = tlsConfig
	}
	return redis.NewClient(opts), nil
}

// Connect builds a client and verifies connectivity with a fixed number
// of ping attempts separated by a fixed backoff. Callers decide whether
// exhaustion is fatal; serving against an unreachable store is worse
// than refusing to start.
func Connect(ctx context.Context, url string, attempts int, backoff time.Duration) (redis.UniversalClient, error) {
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	client, err := NewClient(url)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		pctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
		lastErr = client.Ping(pctx).Err()
		cancel()
		if lastErr == nil {
			return client, nil
		}
		logging.Warn("redis", "connect attempt failed", "attempt", i, "of", attempts, "error", lastErr)
		if i < attempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				_ = client.Close()
				return nil, ctx.Err()
			}
		}
	}
	_ = client.Close()
	return nil, fmt.Errorf("connect redis after %d attempts: %w", attempts, lastErr)
}

func tlsConfigFromEnv(existing *tls.Config) (*tls.Config, error) {
	caPath := strings.TrimSpace(os.Getenv(envRedisTLSCA))
	certPath := strings.TrimSpace(os.Getenv(envRedisTLSCert))
	keyPath := strings.TrimSpace(os.Getenv(envRedisTLSKey))
	insecure := parseBoolEnv(envRedisTLSInsecure)

	if caPath == "" && certPath == "" && keyPath == "" && !insecure {
		return existing, nil
	}

	cfg := &tls.Config{}
	if existing != nil {
		cfg = existing.Clone()
	}
	if insecure {
		cfg.InsecureSkipVerify = true
	}

	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls ca read: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return nil, fmt.Errorf("redis tls ca parse: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("redis tls cert/key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func parseBoolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
