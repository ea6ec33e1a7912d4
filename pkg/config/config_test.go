// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseTOML = `
[auth.connections.default]
url = "ldap://dc1.example.com:389"
base_dn = "dc=example,dc=com"
bind_dn = "cn=svc,dc=example,dc=com"
bind_pass = "env:LDAP_PASSWORD"
`

func load(t *testing.T, toml string) (*Config, error) {
	t.Helper()
	v := viper.New()
	v.SetConfigType("toml")
	require.NoError(t, v.ReadConfig(strings.NewReader(toml)))
	return Load(v)
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := load(t, baseTOML)
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.Connection)
	assert.Equal(t, ProviderDatabase, cfg.Provider)
	assert.Equal(t, []string{"upn"}, cfg.Scopes)
	assert.Equal(t, []string{"deny_trashed"}, cfg.Rules)
	assert.Equal(t, "userprincipalname", cfg.Usernames.Directory.Discover)
	assert.Equal(t, "userprincipalname", cfg.Usernames.Directory.Authenticate)
	assert.Equal(t, "email", cfg.Usernames.Local)
	assert.Equal(t, "samaccountname", cfg.Usernames.SSO.Discover)
	assert.Equal(t, "X-Auth-User", cfg.Usernames.SSO.HeaderKey)
	assert.False(t, cfg.Usernames.SSO.Enabled)
	assert.False(t, cfg.Passwords.Sync)
	assert.Equal(t, "password", cfg.Passwords.Column)
	assert.False(t, cfg.LoginFallback)
	assert.Equal(t, map[string]string{"email": "userprincipalname", "name": "cn"}, cfg.SyncAttributes)
	assert.Equal(t, 2, cfg.Retry.Attempts)
	assert.Equal(t, 8*time.Hour, cfg.Session.TTL)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)

	assert.Equal(t, "ldap://dc1.example.com:389", cfg.ActiveConnection().URL)
	assert.Equal(t, "userprincipalname", cfg.KeyAttribute())
	assert.Equal(t, []string{"cn", "userprincipalname"}, cfg.SearchAttributes())
	assert.False(t, cfg.FallbackEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Parallel()

	cfg, err := load(t, baseTOML+`
[auth]
provider = "database"
scopes = ["uid"]
rules = ["deny_trashed", "only_imported"]
login_fallback = true

[auth.usernames.directory]
discover = "mail"
authenticate = "dn"

[auth.usernames.sso]
enabled = true

[auth.passwords]
sync = true

[auth.retry]
attempts = 3
base_delay = "50ms"

[auth.database]
driver = "sqlite"
dsn = "/var/lib/dirauth/identities.db"
`)
	require.NoError(t, err)

	assert.Equal(t, []string{"uid"}, cfg.Scopes)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Retry.BaseDelay)
	assert.True(t, cfg.FallbackEnabled())
	assert.Equal(t, []string{"cn", "mail", "samaccountname", "userprincipalname"}, cfg.SearchAttributes())
}

func TestLoad_EmptyPasswordColumnDisablesPasswords(t *testing.T) {
	t.Parallel()

	cfg, err := load(t, baseTOML+`
[auth]
login_fallback = true

[auth.passwords]
column = ""
`)
	require.NoError(t, err)
	assert.Empty(t, cfg.Passwords.Column)
	assert.False(t, cfg.FallbackEnabled())
}

func TestKeyAttribute_Unmapped(t *testing.T) {
	t.Parallel()

	cfg, err := load(t, baseTOML+`
[auth.usernames]
local = "username"

[auth.usernames.directory]
discover = "samaccountname"
`)
	require.NoError(t, err)
	assert.Equal(t, "samaccountname", cfg.KeyAttribute())
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		toml    string
		wantMsg string
	}{
		{
			name:    "missing connection profile",
			toml:    `[auth]` + "\n" + `connection = "corp"`,
			wantMsg: `connection "corp" is not defined`,
		},
		{
			name:    "bad provider",
			toml:    baseTOML + "[auth]\nprovider = \"ldap_only\"\n",
			wantMsg: "provider must be",
		},
		{
			name:    "upn and uid together",
			toml:    baseTOML + "[auth]\nscopes = [\"upn\", \"uid\"]\n",
			wantMsg: "mutually exclusive",
		},
		{
			name:    "unknown scope",
			toml:    baseTOML + "[auth]\nscopes = [\"nope\"]\n",
			wantMsg: "unknown scope",
		},
		{
			name:    "unknown rule",
			toml:    baseTOML + "[auth]\nrules = [\"nope\"]\n",
			wantMsg: `unknown rule "nope"`,
		},
		{
			name:    "only_imported without database",
			toml:    baseTOML + "[auth]\nprovider = \"directory_only\"\nrules = [\"only_imported\"]\n",
			wantMsg: "only_imported",
		},
		{
			name:    "sync without column",
			toml:    baseTOML + "[auth.passwords]\nsync = true\ncolumn = \"\"\n",
			wantMsg: "passwords.sync needs passwords.column",
		},
		{
			name:    "non-ldap url",
			toml:    "[auth.connections.default]\nurl = \"http://dc1\"\nbase_dn = \"dc=example,dc=com\"\n",
			wantMsg: "ldap:// or ldaps://",
		},
		{
			name:    "sql driver without dsn",
			toml:    baseTOML + "[auth.database]\ndriver = \"postgres\"\n",
			wantMsg: "database.dsn is required",
		},
		{
			name:    "redis rate limit without addr",
			toml:    baseTOML + "[auth.rate_limit]\nenabled = true\nbackend = \"redis\"\n",
			wantMsg: "rate_limit.redis.addr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := load(t, tt.toml)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	t.Parallel()

	_, err := load(t, baseTOML+"[auth]\nprovider = \"x\"\nrules = [\"nope\"]\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider must be")
	assert.Contains(t, err.Error(), "unknown rule")
}

func TestSSO_ProxyPrefixes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		proxies []string
		want    []netip.Prefix
		wantErr bool
	}{
		{name: "empty", want: []netip.Prefix{}},
		{
			name:    "cidrs are masked",
			proxies: []string{"10.1.2.3/8", " 2001:db8::/32 "},
			want:    []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8"), netip.MustParsePrefix("2001:db8::/32")},
		},
		{
			name:    "bare address is a single host",
			proxies: []string{"192.0.2.10", "::ffff:192.0.2.11"},
			want:    []netip.Prefix{netip.MustParsePrefix("192.0.2.10/32"), netip.MustParsePrefix("192.0.2.11/32")},
		},
		{name: "garbage", proxies: []string{"proxy.internal"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := SSO{TrustedProxies: tt.proxies}.ProxyPrefixes()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate_TrustedProxies(t *testing.T) {
	t.Parallel()

	cfg, err := load(t, baseTOML+"[auth.usernames.sso]\nenabled = true\ntrusted_proxies = [\"10.0.0.0/8\"]\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Usernames.SSO.TrustedProxies)

	_, err = load(t, baseTOML+"[auth.usernames.sso]\nenabled = true\ntrusted_proxies = [\"10.0.0.0/33\"]\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trusted_proxies")
}

func TestClone(t *testing.T) {
	t.Parallel()

	cfg, err := load(t, baseTOML)
	require.NoError(t, err)

	c := cfg.Clone()
	c.Scopes[0] = "uid"
	c.SyncAttributes["email"] = "mail"
	conn := c.Connections["default"]
	conn.URL = "ldap://elsewhere"
	c.Connections["default"] = conn
	cfg.Usernames.SSO.TrustedProxies = []string{"10.0.0.0/8"}
	c2 := cfg.Clone()
	c2.Usernames.SSO.TrustedProxies[0] = "0.0.0.0/0"

	assert.Equal(t, "upn", cfg.Scopes[0])
	assert.Equal(t, "userprincipalname", cfg.SyncAttributes["email"])
	assert.Equal(t, "ldap://dc1.example.com:389", cfg.ActiveConnection().URL)
	assert.Equal(t, "10.0.0.0/8", cfg.Usernames.SSO.TrustedProxies[0])
}

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, ref string) (string, error) {
	if v, ok := m[ref]; ok {
		return v, nil
	}
	if strings.Contains(ref, ":") {
		return "", errors.New("unresolvable")
	}
	return ref, nil
}

func TestResolveSecrets(t *testing.T) {
	t.Parallel()

	cfg, err := load(t, baseTOML+"[auth.session]\nsigning_key = \"env:SESSION_KEY\"\n")
	require.NoError(t, err)

	err = cfg.ResolveSecrets(context.Background(), mapResolver{
		"env:LDAP_PASSWORD": "svc-password",
		"env:SESSION_KEY":   "0123456789abcdef0123456789abcdef",
	})
	require.NoError(t, err)
	assert.Equal(t, "svc-password", cfg.ActiveConnection().BindPassword)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Session.SigningKey)

	cfg.Session.SigningKey = "vault:missing#key"
	err = cfg.ResolveSecrets(context.Background(), mapResolver{})
	assert.ErrorIs(t, err, ErrConfiguration)
}
