// Package vault retrieves secrets from HashiCorp Vault's KV v2 engine
// over plain HTTP, with a short-lived in-process cache and environment
// fallback for development setups.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
)

// Client reads KV v2 secrets.
type Client struct {
	address    string
	token      string
	mountPath  string
	httpClient *http.Client
	log        zerolog.Logger

	cacheMu  sync.RWMutex
	cache    map[string]cachedSecret
	cacheTTL time.Duration
}

type cachedSecret struct {
	data      map[string]string
	expiresAt time.Time
}

// secretResponse is the KV v2 read envelope.
type secretResponse struct {
	Data struct {
		Data map[string]string `json:"data"`
	} `json:"data"`
	Errors []string `json:"errors"`
}

// NewClient creates a Vault client from configuration. An empty token
// falls back to the VAULT_TOKEN environment variable.
func NewClient(cfg config.VaultConfig) *Client {
	token := cfg.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	mount := cfg.MountPath
	if mount == "" {
		mount = "secret"
	}
	return &Client{
		address:    strings.TrimRight(cfg.Address, "/"),
		token:      token,
		mountPath:  mount,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        config.NewLogger("vault"),
		cache:      make(map[string]cachedSecret),
		cacheTTL:   5 * time.Minute,
	}
}

// Get reads the secret at path (relative to the mount), serving cached
// values within the TTL.
func (c *Client) Get(ctx context.Context, path string) (map[string]string, error) {
	c.cacheMu.RLock()
	if entry, ok := c.cache[path]; ok && time.Now().Before(entry.expiresAt) {
		c.cacheMu.RUnlock()
		return entry.data, nil
	}
	c.cacheMu.RUnlock()

	url := fmt.Sprintf("%s/v1/%s/data/%s", c.address, c.mountPath, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vault returned %d for %s", resp.StatusCode, path)
	}

	var parsed secretResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode vault response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("vault error: %s", strings.Join(parsed.Errors, "; "))
	}

	c.cacheMu.Lock()
	c.cache[path] = cachedSecret{data: parsed.Data.Data, expiresAt: time.Now().Add(c.cacheTTL)}
	c.cacheMu.Unlock()

	c.log.Debug().Str("path", path).Msg("Secret loaded from Vault")
	return parsed.Data.Data, nil
}

// BrokerCredentials resolves broker API credentials: Vault when enabled,
// otherwise environment variables, otherwise the literal config values.
func BrokerCredentials(ctx context.Context, cfg *config.Config) (apiKey, secretKey string) {
	apiKey = cfg.Broker.APIKey
	secretKey = cfg.Broker.SecretKey

	if cfg.Vault.Enabled {
		client := NewClient(cfg.Vault)
		if data, err := client.Get(ctx, "broker/"+cfg.Broker.Kind); err == nil {
			if v := data["api_key"]; v != "" {
				apiKey = v
			}
			if v := data["secret_key"]; v != "" {
				secretKey = v
			}
			return apiKey, secretKey
		}
	}

	if v := os.Getenv("TRADEFLUX_BROKER_API_KEY"); v != "" {
		apiKey = v
	}
	if v := os.Getenv("TRADEFLUX_BROKER_SECRET_KEY"); v != "" {
		secretKey = v
	}
	return apiKey, secretKey
}
