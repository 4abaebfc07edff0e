package config

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// SecretPrefix marks a credential value to be resolved through Vault:
// vault:<mount>/<path>#<key>.
const SecretPrefix = "vault:"

// SecretResolver returns the value a secret reference points to.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// IsSecretRef reports whether value must be resolved before use.
func IsSecretRef(value string) bool {
	return strings.HasPrefix(value, SecretPrefix)
}

// ParseSecretRef splits vault:<mount>/<path>#<key>.
func ParseSecretRef(ref string) (mount, path, key string, err error) {
	if !IsSecretRef(ref) {
		return "", "", "", fmt.Errorf("not a secret reference: %q", ref)
	}
	body := strings.TrimPrefix(ref, SecretPrefix)

	location, key, ok := strings.Cut(body, "#")
	if !ok || key == "" {
		return "", "", "", fmt.Errorf("secret reference %q is missing #key", ref)
	}

	mount, path, ok = strings.Cut(strings.Trim(location, "/"), "/")
	if !ok || mount == "" || path == "" {
		return "", "", "", fmt.Errorf("secret reference %q must be <mount>/<path>#<key>", ref)
	}
	return mount, path, key, nil
}

// VaultResolver reads secret references from a KV v2 engine.
type VaultResolver struct {
	client *api.Client
}

// NewVaultResolver connects to the Vault server at address with token.
func NewVaultResolver(address, token string) (*VaultResolver, error) {
	vcfg := api.DefaultConfig()
	vcfg.Address = address
	vcfg.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := api.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	return &VaultResolver{client: client}, nil
}

// Resolve implements SecretResolver.
func (r *VaultResolver) Resolve(ctx context.Context, ref string) (string, error) {
	mount, path, key, err := ParseSecretRef(ref)
	if err != nil {
		return "", err
	}

	// KV v2 path structure
	secret, err := r.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/data/%s", mount, path))
	if err != nil {
		return "", fmt.Errorf("failed to read %s/%s from Vault: %w", mount, path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret %s/%s not found", mount, path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("invalid data format in Vault response for %s/%s", mount, path)
	}

	value, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("key %q not found in secret %s/%s", key, mount, path)
	}
	return value, nil
}

// ResolveSecrets replaces every secret reference among the credentials of
// cfg. resolver may be nil when no value is a reference.
func ResolveSecrets(ctx context.Context, cfg *Config, resolver SecretResolver) error {
	fields := []*string{
		&cfg.Web3Storage.Token,
		&cfg.Estuary.Token,
		&cfg.S3.AccessKey,
		&cfg.S3.SecretKey,
		&cfg.Upload.HooksSecret,
	}
	for i := range cfg.Auth.APIKeys {
		fields = append(fields, &cfg.Auth.APIKeys[i])
	}

	for _, field := range fields {
		if !IsSecretRef(*field) {
			continue
		}
		if resolver == nil {
			return fmt.Errorf("secret reference %q requires vault.address", *field)
		}
		value, err := resolver.Resolve(ctx, *field)
		if err != nil {
			return err
		}
		*field = value
	}
	return nil
}
