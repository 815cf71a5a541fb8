package secrets

import (
	"context"
	"fmt"
	"log/slog"

	vault "github.com/hashicorp/vault/api"
)

// secretRoot is the fixed path template under which provider credentials
// are namespaced.
const secretRoot = "secret/"

// Vault is the AppRole-authenticated secret store client.
type Vault struct {
	client *vault.Client
	logger *slog.Logger
}

// NewVault builds a client for the given Vault address.
func NewVault(addr string, logger *slog.Logger) (*Vault, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = addr
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	return &Vault{client: client, logger: logger}, nil
}

// Authenticate performs the AppRole login and installs the session token.
// Called once at startup.
func (v *Vault) Authenticate(ctx context.Context, roleID, secretID string) error {
	secret, err := v.client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]any{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return fmt.Errorf("vault approle login failed: %w", err)
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return fmt.Errorf("vault approle login returned no token")
	}
	v.client.SetToken(secret.Auth.ClientToken)
	return nil
}

// APIKey fetches the api_key field stored under secret/<providerPath>.
// Every failure mode is logged with the path (never the value) and
// surfaced as ErrUnavailable.
func (v *Vault) APIKey(ctx context.Context, providerPath string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, secretRoot+providerPath)
	if err != nil {
		v.logger.Error("vault secret retrieval failed", slog.String("path", providerPath), slog.String("error", err.Error()))
		return "", ErrUnavailable
	}
	if secret == nil || len(secret.Data) == 0 {
		v.logger.Error("vault secret empty", slog.String("path", providerPath))
		return "", ErrUnavailable
	}
	key, ok := secret.Data["api_key"].(string)
	if !ok || key == "" {
		v.logger.Error("invalid secret structure", slog.String("path", providerPath))
		return "", ErrUnavailable
	}
	return key, nil
}
