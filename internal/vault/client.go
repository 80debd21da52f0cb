// Package vault fetches the mandatory database credential at startup
// from HashiCorp Vault's KV engine.
package vault

import (
	"context"
	"fmt"

	"strategy-runner/config"

	"github.com/hashicorp/vault/api"
)

// Client wraps the HashiCorp Vault client used to fetch the mandatory
// database credential at boot.
type Client struct {
	client *api.Client
	config config.VaultConfig
}

// NewClient creates a Vault client. If cfg.Enabled is false, the returned
// client's FetchDatabaseDSN always errors — callers must supply the DSN via
// environment configuration instead.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("vault: configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("vault: new client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// FetchDatabaseDSN reads the database connection string from
// <mountPath>/data/<secretPath>/database, key "dsn". The DSN is a
// mandatory startup credential, so the caller should treat any error
// here as fatal.
func (c *Client) FetchDatabaseDSN(ctx context.Context) (string, error) {
	if !c.config.Enabled {
		return "", fmt.Errorf("vault: disabled, cannot fetch database DSN")
	}

	path := fmt.Sprintf("%s/data/%s/database", c.config.MountPath, c.config.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("vault: read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault: no secret at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("vault: malformed secret at %s", path)
	}
	dsn, _ := data["dsn"].(string)
	if dsn == "" {
		return "", fmt.Errorf("vault: empty dsn at %s", path)
	}
	return dsn, nil
}

// Health checks the Vault connection; a no-op when Vault is disabled.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("vault: health check: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault: sealed")
	}
	return nil
}

// IsEnabled reports whether Vault is configured to be used.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}
