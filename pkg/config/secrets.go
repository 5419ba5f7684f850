package config

import (
	"context"
	"errors"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

// SecretReader reads a KV secret; satisfied by vault's *Logical.
type SecretReader interface {
	ReadWithContext(ctx context.Context, path string) (*vault.Secret, error)
}

// NewVaultReader connects to Vault using the configured address and token.
func NewVaultReader(c *Config) (SecretReader, error) {
	vc := vault.DefaultConfig()
	vc.Address = c.VaultAddr
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if c.VaultToken != "" {
		client.SetToken(c.VaultToken)
	}
	return client.Logical(), nil
}

// LoadCredentials fills APIKey/APISecret from a KV v2 secret holding api_key and secret_key.
// Values already present in the environment win.
func (c *Config) LoadCredentials(ctx context.Context, r SecretReader) error {
	if c.APIKey != "" && c.APISecret != "" {
		return nil
	}
	secret, err := r.ReadWithContext(ctx, c.VaultPath)
	if err != nil {
		return fmt.Errorf("read vault secret %s: %w", c.VaultPath, err)
	}
	if secret == nil || secret.Data == nil {
		return fmt.Errorf("vault secret %s not found", c.VaultPath)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		// KV v1 mounts return the fields at the top level.
		data = secret.Data
	}
	key, _ := data["api_key"].(string)
	sec, _ := data["secret_key"].(string)
	if key == "" || sec == "" {
		return errors.New("vault secret missing api_key or secret_key")
	}
	if c.APIKey == "" {
		c.APIKey = key
	}
	if c.APISecret == "" {
		c.APISecret = sec
	}
	return nil
}
