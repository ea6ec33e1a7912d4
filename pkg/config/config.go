// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the [auth] configuration section.
// A Config is read once at startup and treated as immutable afterwards.
package config

import (
	"errors"
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrConfiguration wraps every validation failure.
var ErrConfiguration = errors.New("invalid auth configuration")

const (
	ProviderDatabase      = "database"
	ProviderDirectoryOnly = "directory_only"

	BackendLocal = "local"
	BackendRedis = "redis"

	DriverMemory = "memory"
)

type Config struct {
	Connection     string                `mapstructure:"connection"`
	Provider       string                `mapstructure:"provider"`
	Scopes         []string              `mapstructure:"scopes"`
	Rules          []string              `mapstructure:"rules"`
	Usernames      Usernames             `mapstructure:"usernames"`
	Passwords      Passwords             `mapstructure:"passwords"`
	LoginFallback  bool                  `mapstructure:"login_fallback"`
	SyncAttributes map[string]string     `mapstructure:"sync_attributes"`
	Connections    map[string]Connection `mapstructure:"connections"`
	Retry          Retry                 `mapstructure:"retry"`
	RateLimit      RateLimit             `mapstructure:"rate_limit"`
	Session        Session               `mapstructure:"session"`
	Database       Database              `mapstructure:"database"`
	Events         Events                `mapstructure:"events"`
	Vault          Vault                 `mapstructure:"vault"`
}

type Usernames struct {
	Directory DirectoryUsernames `mapstructure:"directory"`
	Local     string             `mapstructure:"local"`
	SSO       SSO                `mapstructure:"sso"`
}

type DirectoryUsernames struct {
	Discover     string `mapstructure:"discover"`
	Authenticate string `mapstructure:"authenticate"`
}

// SSO configures the trusted path, where an upstream proxy has already
// authenticated the user and passes the account name in a header.
type SSO struct {
	Enabled   bool   `mapstructure:"enabled"`
	Discover  string `mapstructure:"discover"`
	HeaderKey string `mapstructure:"header_key"`

	// TrustedProxies lists the CIDRs or addresses allowed to assert an
	// account name. Empty accepts any peer.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// ProxyPrefixes parses TrustedProxies. A bare address becomes a single-host
// prefix.
func (s SSO) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, raw := range s.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

type Passwords struct {
	Sync       bool   `mapstructure:"sync"`
	Column     string `mapstructure:"column"` // empty disables password storage
	BcryptCost int    `mapstructure:"bcrypt_cost"`
}

// Connection is a named directory server profile.
type Connection struct {
	URL                string        `mapstructure:"url"`
	BindDN             string        `mapstructure:"bind_dn"`
	BindPassword       string        `mapstructure:"bind_pass"`
	BaseDN             string        `mapstructure:"base_dn"`
	StartTLS           bool          `mapstructure:"start_tls"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	CAFile             string        `mapstructure:"ca_file"`
	Timeout            time.Duration `mapstructure:"timeout"`
	PoolSize           int           `mapstructure:"pool_size"`
}

type Retry struct {
	Attempts  int           `mapstructure:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

type RateLimit struct {
	Enabled  bool    `mapstructure:"enabled"`
	Backend  string  `mapstructure:"backend"`
	RPS      float64 `mapstructure:"rps"`
	Burst    int     `mapstructure:"burst"`
	FailOpen bool    `mapstructure:"fail_open"`
	Redis    Redis   `mapstructure:"redis"`
}

type Redis struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type Session struct {
	SigningKey string        `mapstructure:"signing_key"`
	TTL        time.Duration `mapstructure:"ttl"`
	Issuer     string        `mapstructure:"issuer"`
}

type Database struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type Events struct {
	Log   bool        `mapstructure:"log"`
	Redis RedisEvents `mapstructure:"redis"`
	Kafka KafkaEvents `mapstructure:"kafka"`
}

type RedisEvents struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	Channel  string `mapstructure:"channel"`
}

type KafkaEvents struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	TLS           bool     `mapstructure:"tls"`
	SASLMechanism string   `mapstructure:"sasl_mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	SASLUsername  string   `mapstructure:"sasl_username"`
	SASLPassword  string   `mapstructure:"sasl_password"`
}

type Vault struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Mount   string `mapstructure:"mount"`
}

// SetDefaults registers the defaults for the [auth] section on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("auth.connection", "default")
	v.SetDefault("auth.provider", ProviderDatabase)
	v.SetDefault("auth.scopes", []string{"upn"})
	v.SetDefault("auth.rules", []string{"deny_trashed"})
	v.SetDefault("auth.usernames.directory.discover", "userprincipalname")
	v.SetDefault("auth.usernames.directory.authenticate", "userprincipalname")
	v.SetDefault("auth.usernames.local", "email")
	v.SetDefault("auth.usernames.sso.enabled", false)
	v.SetDefault("auth.usernames.sso.discover", "samaccountname")
	v.SetDefault("auth.usernames.sso.header_key", "X-Auth-User")
	v.SetDefault("auth.passwords.sync", false)
	v.SetDefault("auth.passwords.column", "password")
	v.SetDefault("auth.passwords.bcrypt_cost", 10)
	v.SetDefault("auth.login_fallback", false)
	v.SetDefault("auth.sync_attributes", map[string]string{
		"email": "userprincipalname",
		"name":  "cn",
	})
	v.SetDefault("auth.retry.attempts", 2)
	v.SetDefault("auth.retry.base_delay", 100*time.Millisecond)
	v.SetDefault("auth.retry.max_delay", time.Second)
	v.SetDefault("auth.rate_limit.enabled", false)
	v.SetDefault("auth.rate_limit.backend", BackendLocal)
	v.SetDefault("auth.rate_limit.rps", 1.0)
	v.SetDefault("auth.rate_limit.burst", 5)
	v.SetDefault("auth.rate_limit.redis.key_prefix", "dirauth:ratelimit:")
	v.SetDefault("auth.session.ttl", 8*time.Hour)
	v.SetDefault("auth.session.issuer", "dirauth")
	v.SetDefault("auth.database.driver", DriverMemory)
	v.SetDefault("auth.events.log", true)
	v.SetDefault("auth.events.redis.channel", "dirauth.login")
	v.SetDefault("auth.events.kafka.topic", "dirauth.login")
	v.SetDefault("auth.vault.mount", "secret")
}

// Load reads the [auth] section from v, applying defaults first.
// The result is validated.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Unmarshal from the root so nested defaults are merged leaf by leaf.
	var root struct {
		Auth Config `mapstructure:"auth"`
	}
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	cfg := root.Auth
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Connection = strings.ToLower(strings.TrimSpace(c.Connection))
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	c.RateLimit.Backend = strings.ToLower(strings.TrimSpace(c.RateLimit.Backend))
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Passwords.Column = strings.TrimSpace(c.Passwords.Column)
	for i, s := range c.Scopes {
		c.Scopes[i] = strings.TrimSpace(s)
	}
	for i, r := range c.Rules {
		c.Rules[i] = strings.ToLower(strings.TrimSpace(r))
	}
}

// UsesDatabase reports whether logins reconcile with a local store.
func (c *Config) UsesDatabase() bool {
	return c.Provider == ProviderDatabase
}

// FallbackEnabled reports whether local password checks may stand in for
// the directory.
func (c *Config) FallbackEnabled() bool {
	return c.LoginFallback && c.UsesDatabase() && c.Passwords.Column != ""
}

// ActiveConnection returns the selected directory profile.
func (c *Config) ActiveConnection() Connection {
	return c.Connections[c.Connection]
}

// KeyAttribute is the directory attribute whose value identifies the local
// identity: the attribute synced into the local key field, or the discover
// attribute when that field is not synced.
func (c *Config) KeyAttribute() string {
	if attr, ok := c.SyncAttributes[c.Usernames.Local]; ok && attr != "" {
		return attr
	}
	return c.Usernames.Directory.Discover
}

// SearchAttributes lists every attribute a lookup must return.
func (c *Config) SearchAttributes() []string {
	set := map[string]struct{}{}
	add := func(a string) {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" && a != "dn" {
			set[a] = struct{}{}
		}
	}
	add(c.Usernames.Directory.Discover)
	add(c.Usernames.Directory.Authenticate)
	if c.Usernames.SSO.Enabled {
		add(c.Usernames.SSO.Discover)
	}
	for _, attr := range c.SyncAttributes {
		add(attr)
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy, so callers can hold a snapshot nobody else
// can mutate.
func (c *Config) Clone() *Config {
	out := *c
	out.Scopes = slices.Clone(c.Scopes)
	out.Rules = slices.Clone(c.Rules)
	out.SyncAttributes = maps.Clone(c.SyncAttributes)
	out.Connections = maps.Clone(c.Connections)
	out.Events.Kafka.Brokers = slices.Clone(c.Events.Kafka.Brokers)
	out.Usernames.SSO.TrustedProxies = slices.Clone(c.Usernames.SSO.TrustedProxies)
	return &out
}
