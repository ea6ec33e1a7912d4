// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"fmt"
)

// SecretResolver turns a secret reference such as "env:LDAP_PASSWORD" into
// its value. Plain strings resolve to themselves.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ResolveSecrets replaces every secret-bearing field with its resolved
// value. It runs once at startup, before the config is shared.
func (c *Config) ResolveSecrets(ctx context.Context, r SecretResolver) error {
	resolve := func(field string, v *string) error {
		if *v == "" {
			return nil
		}
		out, err := r.Resolve(ctx, *v)
		if err != nil {
			return fmt.Errorf("%w: resolve %s: %w", ErrConfiguration, field, err)
		}
		*v = out
		return nil
	}

	for name, conn := range c.Connections {
		if err := resolve("connections."+name+".bind_pass", &conn.BindPassword); err != nil {
			return err
		}
		c.Connections[name] = conn
	}

	fields := []struct {
		name string
		v    *string
	}{
		{"session.signing_key", &c.Session.SigningKey},
		{"database.dsn", &c.Database.DSN},
		{"rate_limit.redis.password", &c.RateLimit.Redis.Password},
		{"events.redis.password", &c.Events.Redis.Password},
		{"events.kafka.sasl_password", &c.Events.Kafka.SASLPassword},
	}
	for _, f := range fields {
		if err := resolve(f.name, f.v); err != nil {
			return err
		}
	}
	return nil
}
