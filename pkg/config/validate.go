// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/LeeDigitalWorks/dirauth/pkg/directory"
	"github.com/LeeDigitalWorks/dirauth/pkg/rules"
)

// Validate checks the whole configuration and reports every problem found.
// The returned error wraps ErrConfiguration.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	switch c.Provider {
	case ProviderDatabase, ProviderDirectoryOnly:
	default:
		add("provider must be %q or %q, got %q", ProviderDatabase, ProviderDirectoryOnly, c.Provider)
	}

	conn, ok := c.Connections[c.Connection]
	if !ok {
		add("connection %q is not defined under [auth.connections]", c.Connection)
	} else {
		problems = append(problems, validateConnection(c.Connection, conn)...)
	}

	if _, err := directory.NewScopeChain(c.Scopes); err != nil {
		add("scopes: %v", err)
	}
	for _, name := range c.Rules {
		if !rules.Known(name) {
			add("rules: unknown rule %q", name)
		}
		if name == rules.OnlyImported && c.Provider == ProviderDirectoryOnly {
			add("rules: %q needs the %q provider", rules.OnlyImported, ProviderDatabase)
		}
	}

	if c.Usernames.Directory.Discover == "" {
		add("usernames.directory.discover is required")
	}
	if c.Usernames.Directory.Authenticate == "" {
		add("usernames.directory.authenticate is required")
	}
	if c.UsesDatabase() && c.Usernames.Local == "" {
		add("usernames.local is required with the %q provider", ProviderDatabase)
	}
	if c.Usernames.SSO.Enabled {
		if c.Usernames.SSO.Discover == "" {
			add("usernames.sso.discover is required when sso is enabled")
		}
		if c.Usernames.SSO.HeaderKey == "" {
			add("usernames.sso.header_key is required when sso is enabled")
		}
	}
	if _, err := c.Usernames.SSO.ProxyPrefixes(); err != nil {
		add("usernames.sso.trusted_proxies: %v", err)
	}

	if c.Passwords.Sync && c.Passwords.Column == "" {
		add("passwords.sync needs passwords.column")
	}
	for field, attr := range c.SyncAttributes {
		if strings.TrimSpace(field) == "" || strings.TrimSpace(attr) == "" {
			add("sync_attributes: empty mapping %q = %q", field, attr)
		}
	}

	if c.Retry.Attempts < 1 {
		add("retry.attempts must be at least 1")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		add("retry delays must not be negative")
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case BackendLocal:
		case BackendRedis:
			if c.RateLimit.Redis.Addr == "" {
				add("rate_limit.redis.addr is required with the redis backend")
			}
		default:
			add("rate_limit.backend must be %q or %q", BackendLocal, BackendRedis)
		}
		if c.RateLimit.RPS <= 0 {
			add("rate_limit.rps must be positive")
		}
		if c.RateLimit.Burst < 1 {
			add("rate_limit.burst must be at least 1")
		}
	}

	if c.Session.TTL <= 0 {
		add("session.ttl must be positive")
	}

	if c.UsesDatabase() {
		switch c.Database.Driver {
		case DriverMemory:
		case "postgres", "mysql", "sqlite":
			if c.Database.DSN == "" {
				add("database.dsn is required for driver %q", c.Database.Driver)
			}
		default:
			add("database.driver %q is not supported", c.Database.Driver)
		}
	}

	if c.Events.Redis.Enabled && c.Events.Redis.Addr == "" {
		add("events.redis.addr is required when redis events are enabled")
	}
	if c.Events.Kafka.Enabled {
		if len(c.Events.Kafka.Brokers) == 0 {
			add("events.kafka.brokers is required when kafka events are enabled")
		}
		switch strings.ToUpper(c.Events.Kafka.SASLMechanism) {
		case "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			add("events.kafka.sasl_mechanism %q is not supported", c.Events.Kafka.SASLMechanism)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(problems...))
}

func validateConnection(name string, conn Connection) []error {
	var problems []error
	if conn.URL == "" {
		problems = append(problems, fmt.Errorf("connections.%s.url is required", name))
	} else if u, err := url.Parse(conn.URL); err != nil || (u.Scheme != "ldap" && u.Scheme != "ldaps") {
		problems = append(problems, fmt.Errorf("connections.%s.url must be an ldap:// or ldaps:// URL", name))
	}
	if conn.BaseDN == "" {
		problems = append(problems, fmt.Errorf("connections.%s.base_dn is required", name))
	}
	if conn.Timeout < 0 || conn.PoolSize < 0 {
		problems = append(problems, fmt.Errorf("connections.%s: timeout and pool_size must not be negative", name))
	}
	return problems
}
