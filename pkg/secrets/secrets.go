// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package secrets resolves secret references used in configuration.
//
// Supported forms:
//
//	env:NAME              value of environment variable NAME
//	file:/path/to/secret  file contents without trailing newlines
//	vault:path#field      field of a KV v2 secret (field defaults to "value")
//
// Anything else is returned unchanged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

var (
	ErrNotFound      = errors.New("secret not found")
	ErrVaultDisabled = errors.New("vault is not configured")
)

// VaultConfig configures the optional Vault backend.
type VaultConfig struct {
	Address string
	// Token may itself be an env: or file: reference.
	Token string
	// Mount is the KV v2 mount path (default "secret").
	Mount string
}

// Resolver implements config.SecretResolver.
type Resolver struct {
	vault *vault.Client
	mount string
}

// NewResolver builds a resolver. Vault references fail with
// ErrVaultDisabled unless an address is configured.
func NewResolver(cfg VaultConfig) (*Resolver, error) {
	r := &Resolver{mount: cfg.Mount}
	if r.mount == "" {
		r.mount = "secret"
	}
	if cfg.Address == "" {
		return r, nil
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address
	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	token, err := r.resolveLocal(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("vault token: %w", err)
	}
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token != "" {
		client.SetToken(token)
	}

	r.vault = client
	return r, nil
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if rest, ok := strings.CutPrefix(ref, "vault:"); ok {
		return r.resolveVault(ctx, rest)
	}
	return r.resolveLocal(ref)
}

func (r *Resolver) resolveLocal(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("%w: environment variable %s", ErrNotFound, name)
		}
		return v, nil
	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimPrefix(ref, "file:")
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("%w: file %s", ErrNotFound, path)
			}
			return "", fmt.Errorf("read secret file %s: %w", path, err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	default:
		return ref, nil
	}
}

func (r *Resolver) resolveVault(ctx context.Context, ref string) (string, error) {
	if r.vault == nil {
		return "", ErrVaultDisabled
	}

	path, field, _ := strings.Cut(ref, "#")
	if field == "" {
		field = "value"
	}
	if path == "" {
		return "", fmt.Errorf("vault reference %q has no path", ref)
	}

	secret, err := r.vault.KVv2(r.mount).Get(ctx, path)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", fmt.Errorf("%w: vault %s/%s", ErrNotFound, r.mount, path)
		}
		return "", fmt.Errorf("vault read %s/%s: %w", r.mount, path, err)
	}

	v, ok := secret.Data[field]
	if !ok {
		return "", fmt.Errorf("%w: vault %s/%s#%s", ErrNotFound, r.mount, path, field)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("vault %s/%s#%s is not a string", r.mount, path, field)
	}
	return s, nil
}
