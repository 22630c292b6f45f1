// Package vault resolves secretRef/vaultPath operands and LLM provider
// credentials against HashiCorp Vault, implementing trigger.SecretResolver
// and feeding executor.Request.Secrets for the executors that need
// out-of-band credentials (LLM_CALL, CONNECTOR).
package vault

import (
	"context"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/kraklabs/scp/logging"
	"github.com/kraklabs/scp/scperrors"
)

// Client resolves a vault path to a secret value. A path may name a
// specific field with "#field" (e.g. "secret/data/slack#token"); with no
// field suffix, the single-field convention falls back to "value".
type Client struct {
	raw    *vaultapi.Client
	logger logging.Logger
}

// New constructs a Client against address/token. When enabled is false
// the returned Client always fails resolution, so callers can wire it
// unconditionally and let config decide whether vault is actually reachable.
func New(address, token string, enabled bool, logger logging.Logger) (*Client, error) {
	logger = logger.WithComponent("vault")
	if !enabled {
		return &Client{logger: logger}, nil
	}

	cfg := vaultapi.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	raw, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, scperrors.New("vault.New", "dispatch", fmt.Errorf("construct vault client: %w", err))
	}
	if token != "" {
		raw.SetToken(token)
	}
	return &Client{raw: raw, logger: logger}, nil
}

// Resolve implements trigger.SecretResolver: reads vaultPath and returns
// its "value" field (or the field named after a "#" suffix) as a string.
func (c *Client) Resolve(ctx context.Context, vaultPath string) (string, error) {
	if c.raw == nil {
		return "", scperrors.New("vault.Resolve", "dispatch", fmt.Errorf("vault client not configured")).WithID(vaultPath)
	}

	path, field := splitField(vaultPath)
	secret, err := c.raw.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", scperrors.New("vault.Resolve", "dispatch", fmt.Errorf("read %s: %w", path, err))
	}
	if secret == nil || secret.Data == nil {
		return "", scperrors.New("vault.Resolve", "dispatch", fmt.Errorf("no secret at %s", path)).WithID(vaultPath)
	}

	data := secret.Data
	// KV v2 nests the actual fields under "data".
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	raw, ok := data[field]
	if !ok {
		return "", scperrors.New("vault.Resolve", "dispatch", fmt.Errorf("field %q not present at %s", field, path)).WithID(vaultPath)
	}
	str, ok := raw.(string)
	if !ok {
		return "", scperrors.New("vault.Resolve", "dispatch", fmt.Errorf("field %q at %s is not a string", field, path)).WithID(vaultPath)
	}
	return str, nil
}

// ResolveSecrets resolves every named vault path in refs (operand name ->
// vault path) into the flat map executor.Request.Secrets expects.
func (c *Client) ResolveSecrets(ctx context.Context, refs map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(refs))
	for name, path := range refs {
		v, err := c.Resolve(ctx, path)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func splitField(vaultPath string) (path, field string) {
	for i := len(vaultPath) - 1; i >= 0; i-- {
		if vaultPath[i] == '#' {
			return vaultPath[:i], vaultPath[i+1:]
		}
	}
	return vaultPath, "value"
}
