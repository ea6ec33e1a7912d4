// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/dirauth/pkg/auth"
	"github.com/LeeDigitalWorks/dirauth/pkg/config"
	"github.com/LeeDigitalWorks/dirauth/pkg/directory"
	"github.com/LeeDigitalWorks/dirauth/pkg/events"
	"github.com/LeeDigitalWorks/dirauth/pkg/identity"
	"github.com/LeeDigitalWorks/dirauth/pkg/identity/sqlstore"
	"github.com/LeeDigitalWorks/dirauth/pkg/logger"
	"github.com/LeeDigitalWorks/dirauth/pkg/ratelimit"
	"github.com/LeeDigitalWorks/dirauth/pkg/reconcile"
	"github.com/LeeDigitalWorks/dirauth/pkg/rules"
	"github.com/LeeDigitalWorks/dirauth/pkg/secrets"
	"github.com/LeeDigitalWorks/dirauth/pkg/session"
	"github.com/LeeDigitalWorks/dirauth/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const localLimiterIdle = 10 * time.Minute

// loadConfig reads dirauth.{toml,yaml,json} and the environment, binds the
// command's flags and resolves secret references.
func loadConfig(ctx context.Context, cmd *cobra.Command) (*viper.Viper, *config.Config, error) {
	v := viper.New()
	if _, err := utils.LoadConfiguration(v, "dirauth", false); err != nil {
		return nil, nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}

	resolver, err := secrets.NewResolver(secrets.VaultConfig{
		Address: cfg.Vault.Address,
		Token:   cfg.Vault.Token,
		Mount:   cfg.Vault.Mount,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ResolveSecrets(ctx, resolver); err != nil {
		return nil, nil, err
	}
	return v, cfg, nil
}

// app holds every component built from one Config.
type app struct {
	cfg          *config.Config
	directory    *directory.Service
	store        identity.Store
	sql          *sqlstore.Store // nil unless a SQL driver is configured
	limiter      ratelimit.Limiter
	emitter      *events.Emitter
	orchestrator *auth.Orchestrator
	sessions     *session.Issuer

	closers []func() error
}

type appOptions struct {
	// migrate applies pending SQL migrations while opening the store.
	migrate bool
}

// newApp builds every component from a private copy of cfg.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg.Clone()}
	if err := a.init(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, opts appOptions) error {
	cfg := a.cfg
	dirCfg, err := directoryConfig(cfg)
	if err != nil {
		return err
	}
	chain, err := directory.NewScopeChain(cfg.Scopes)
	if err != nil {
		return err
	}
	a.directory, err = directory.NewService(dirCfg, chain)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.directory.Close)

	binder, err := directory.NewBinder(dirCfg, cfg.Usernames.Directory.Authenticate)
	if err != nil {
		return err
	}
	policy, err := rules.NewEvaluator(cfg.Rules)
	if err != nil {
		return err
	}

	hasher := identity.NewHasher(cfg.Passwords.BcryptCost)
	var reconciler auth.Reconciler
	if cfg.UsesDatabase() {
		if err := a.openStore(ctx, opts.migrate); err != nil {
			return err
		}
		reconciler = reconcile.New(a.store, hasher, reconcile.Options{
			KeyField:         cfg.Usernames.Local,
			KeyAttribute:     cfg.KeyAttribute(),
			SyncAttributes:   cfg.SyncAttributes,
			SyncPasswords:    cfg.Passwords.Sync,
			PasswordsEnabled: cfg.Passwords.Column != "",
		})
	}

	if a.limiter, err = newLimiter(ctx, cfg.RateLimit); err != nil {
		return err
	}
	a.closers = append(a.closers, a.limiter.Close)

	if a.emitter, err = newEmitter(cfg.Events); err != nil {
		return err
	}
	a.closers = append(a.closers, a.emitter.Close)

	a.orchestrator, err = auth.New(auth.Config{
		Finder:            a.directory,
		Binder:            binder,
		Policy:            policy,
		Reconciler:        reconciler,
		DiscoverAttribute: cfg.Usernames.Directory.Discover,
		TrustedEnabled:    cfg.Usernames.SSO.Enabled,
		TrustedAttribute:  cfg.Usernames.SSO.Discover,
		Fallback:          cfg.FallbackEnabled(),
		Store:             a.store,
		Hasher:            hasher,
		LocalKeyField:     cfg.Usernames.Local,
		Retry: auth.RetryPolicy{
			Attempts:  cfg.Retry.Attempts,
			BaseDelay: cfg.Retry.BaseDelay,
			MaxDelay:  cfg.Retry.MaxDelay,
		},
		Limiter: a.limiter,
		Events:  a.emitter,
	})
	if err != nil {
		return err
	}

	if cfg.Usernames.SSO.Enabled && len(cfg.Usernames.SSO.TrustedProxies) == 0 {
		logger.Warn().
			Str("header", cfg.Usernames.SSO.HeaderKey).
			Msg("trusted sign-on accepts the account header from any peer, set usernames.sso.trusted_proxies")
	}

	key := []byte(cfg.Session.SigningKey)
	if len(key) == 0 {
		logger.Warn().Msg("no session signing key configured, tokens will not survive a restart")
		key = session.RandomKey()
	}
	if a.sessions, err = session.NewIssuer(key, cfg.Session.Issuer, cfg.Session.TTL); err != nil {
		return err
	}

	logger.Info().
		Str("connection", cfg.Connection).
		Str("provider", cfg.Provider).
		Strs("scopes", a.directory.Scopes().Names()).
		Strs("rules", policy.Names()).
		Bool("sso", cfg.Usernames.SSO.Enabled).
		Bool("fallback", cfg.FallbackEnabled()).
		Bool("rate_limit", cfg.RateLimit.Enabled).
		Bool("events", a.emitter.IsEnabled()).
		Msg("authentication initialized")

	return nil
}

func (a *app) openStore(ctx context.Context, migrate bool) error {
	cfg := a.cfg
	if cfg.Database.Driver == config.DriverMemory {
		logger.Warn().Msg("using in-memory identity store, identities are lost on restart")
		store := identity.NewMemoryStore(cfg.Usernames.Local)
		a.store = store
		a.closers = append(a.closers, store.Close)
		return nil
	}

	store, err := openSQLStore(ctx, cfg)
	if err != nil {
		return err
	}
	a.sql = store
	a.store = store
	a.closers = append(a.closers, store.Close)

	if migrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate identity store: %w", err)
		}
	}
	return nil
}

func openSQLStore(ctx context.Context, cfg *config.Config) (*sqlstore.Store, error) {
	return sqlstore.Open(ctx, sqlstore.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		KeyField:        cfg.Usernames.Local,
		PasswordColumn:  cfg.Passwords.Column,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
}

// Close releases components in reverse order of construction. The
// emitter drains its queue before the store goes away.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func directoryConfig(cfg *config.Config) (directory.Config, error) {
	conn := cfg.ActiveConnection()
	out := directory.Config{
		URL:          conn.URL,
		BindDN:       conn.BindDN,
		BindPassword: conn.BindPassword,
		BaseDN:       conn.BaseDN,
		StartTLS:     conn.StartTLS,
		Timeout:      conn.Timeout,
		PoolSize:     conn.PoolSize,
		Attributes:   cfg.SearchAttributes(),
	}

	secure := conn.StartTLS || strings.HasPrefix(strings.ToLower(conn.URL), "ldaps://")
	if secure || conn.CAFile != "" || conn.InsecureSkipVerify {
		serverName := ""
		if u, err := url.Parse(conn.URL); err == nil {
			serverName = u.Hostname()
		}
		tlsCfg, err := utils.LoadClientTLSConfig(serverName, conn.CAFile, conn.InsecureSkipVerify)
		if err != nil {
			return directory.Config{}, err
		}
		if conn.InsecureSkipVerify {
			logger.Warn().Str("connection", cfg.Connection).Msg("directory certificate verification disabled")
		}
		out.TLS = tlsCfg
	}
	return out, nil
}

func newLimiter(ctx context.Context, cfg config.RateLimit) (ratelimit.Limiter, error) {
	if !cfg.Enabled {
		return ratelimit.Unlimited{}, nil
	}
	switch cfg.Backend {
	case config.BackendRedis:
		return ratelimit.NewRedisLimiter(ctx, ratelimit.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			RPS:       cfg.RPS,
			Burst:     int64(cfg.Burst),
			FailOpen:  cfg.FailOpen,
		})
	default:
		return ratelimit.NewLocalLimiter(cfg.RPS, cfg.Burst, localLimiterIdle), nil
	}
}

func newEmitter(cfg config.Events) (*events.Emitter, error) {
	var publishers []events.Publisher
	closeAll := func() {
		for _, p := range publishers {
			p.Close()
		}
	}

	if cfg.Log {
		publishers = append(publishers, events.LogPublisher{})
	}
	if cfg.Redis.Enabled {
		rc := events.DefaultRedisConfig(cfg.Redis.Addr)
		rc.Password = cfg.Redis.Password
		if cfg.Redis.Channel != "" {
			rc.Channel = cfg.Redis.Channel
		}
		p, err := events.NewRedisPublisher(rc)
		if err != nil {
			closeAll()
			return nil, err
		}
		publishers = append(publishers, p)
	}
	if cfg.Kafka.Enabled {
		kc := events.DefaultKafkaConfig(cfg.Kafka.Brokers)
		if cfg.Kafka.Topic != "" {
			kc.Topic = cfg.Kafka.Topic
		}
		kc.TLS = cfg.Kafka.TLS
		kc.SASLMechanism = cfg.Kafka.SASLMechanism
		kc.SASLUsername = cfg.Kafka.SASLUsername
		kc.SASLPassword = cfg.Kafka.SASLPassword
		p, err := events.NewKafkaPublisher(kc)
		if err != nil {
			closeAll()
			return nil, err
		}
		publishers = append(publishers, p)
	}

	return events.NewEmitter(events.EmitterConfig{Publishers: publishers}), nil
}
