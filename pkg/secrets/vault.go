package secrets

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

// VaultStore backs secrets with a Vault KV v2 mount. Each secret lives at
// <mount>/<prefix>/<key> under the data key "value".
type VaultStore struct {
	client *vault.Client
	mount  string
	prefix string
}

type VaultConfig struct {
	Address string
	Token   string
	Mount   string
	Prefix  string
}

func NewVaultStore(cfg VaultConfig) (*VaultStore, error) {
	vaultCfg := vault.DefaultConfig()
	if cfg.Address != "" {
		vaultCfg.Address = cfg.Address
	}
	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "plugins"
	}
	return &VaultStore{client: client, mount: mount, prefix: prefix}, nil
}

func (s *VaultStore) Get(ctx context.Context, key string) (string, error) {
	secret, err := s.client.KVv2(s.mount).Get(ctx, s.path(key))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSecretNotFound, key, err)
	}
	value, ok := secret.Data["value"].(string)
	if !ok {
		return "", fmt.Errorf("secret %s has no string value", key)
	}
	return value, nil
}

func (s *VaultStore) Set(ctx context.Context, key, value string) error {
	_, err := s.client.KVv2(s.mount).Put(ctx, s.path(key), map[string]interface{}{
		"value": value,
	})
	if err != nil {
		return fmt.Errorf("failed to write secret %s: %w", key, err)
	}
	return nil
}

func (s *VaultStore) Delete(ctx context.Context, key string) error {
	if err := s.client.KVv2(s.mount).Delete(ctx, s.path(key)); err != nil {
		return fmt.Errorf("failed to delete secret %s: %w", key, err)
	}
	return nil
}

func (s *VaultStore) List(ctx context.Context) ([]string, error) {
	listPath := fmt.Sprintf("%s/metadata/%s", s.mount, s.prefix)
	secret, err := s.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if name, ok := k.(string); ok {
			keys = append(keys, name)
		}
	}
	return keys, nil
}

func (s *VaultStore) path(key string) string {
	return s.prefix + "/" + sanitizeKey(key)
}
