package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"

	"wallet-copy-trader/config"
)

// Secrets are the config values that may be held in Vault instead of the
// config file or environment.
type Secrets struct {
	JWTSecret         string `json:"jwt_secret"`
	DatabasePassword  string `json:"database_password"`
	RedisPassword     string `json:"redis_password"`
	DiscordWebhookURL string `json:"discord_webhook_url"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu     sync.RWMutex
	cached *Secrets
}

// NewClient creates a new Vault client. A disabled config yields a client
// whose reads return empty secrets.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// GetSecrets reads the KV v2 secret once and caches it.
func (c *Client) GetSecrets(ctx context.Context) (*Secrets, error) {
	c.mu.RLock()
	if c.cached != nil {
		defer c.mu.RUnlock()
		return c.cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return &Secrets{}, nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secret %s not found", c.secretPath())
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	secrets := &Secrets{
		JWTSecret:         getString(data, "jwt_secret"),
		DatabasePassword:  getString(data, "database_password"),
		RedisPassword:     getString(data, "redis_password"),
		DiscordWebhookURL: getString(data, "discord_webhook_url"),
	}

	c.mu.Lock()
	c.cached = secrets
	c.mu.Unlock()
	return secrets, nil
}

// ApplyTo overwrites config secrets with the non-empty values from Vault.
func (c *Client) ApplyTo(ctx context.Context, cfg *config.Config) error {
	if !c.config.Enabled {
		return nil
	}
	s, err := c.GetSecrets(ctx)
	if err != nil {
		return err
	}
	if s.JWTSecret != "" {
		cfg.AuthConfig.JWTSecret = s.JWTSecret
	}
	if s.DatabasePassword != "" {
		cfg.DatabaseConfig.Password = s.DatabasePassword
	}
	if s.RedisPassword != "" {
		cfg.RedisConfig.Password = s.RedisPassword
	}
	if s.DiscordWebhookURL != "" {
		cfg.NotificationConfig.DiscordWebhookURL = s.DiscordWebhookURL
	}
	return nil
}

// ClearCache forces the next read to hit Vault.
func (c *Client) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks Vault connectivity
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath() string {
	mount := strings.Trim(c.config.MountPath, "/")
	if mount == "" {
		mount = "secret"
	}
	return fmt.Sprintf("%s/data/%s", mount, strings.Trim(c.config.SecretPath, "/"))
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
