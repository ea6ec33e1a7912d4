// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth runs a login attempt end to end: resolve the identifier in
// the directory, verify the secret by binding, apply policy rules and
// reconcile the local identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	reqctx "github.com/LeeDigitalWorks/dirauth/pkg/context"
	"github.com/LeeDigitalWorks/dirauth/pkg/directory"
	"github.com/LeeDigitalWorks/dirauth/pkg/events"
	"github.com/LeeDigitalWorks/dirauth/pkg/identity"
	"github.com/LeeDigitalWorks/dirauth/pkg/logger"
	"github.com/LeeDigitalWorks/dirauth/pkg/ratelimit"
	"github.com/LeeDigitalWorks/dirauth/pkg/reconcile"
	"github.com/LeeDigitalWorks/dirauth/pkg/rules"
	"github.com/LeeDigitalWorks/dirauth/pkg/utils"
)

// Method records how an attempt was authenticated.
type Method string

const (
	MethodDirectory Method = "directory"
	MethodFallback  Method = "fallback"
	MethodTrusted   Method = "trusted"
)

// Finder resolves an identifier to exactly one directory entry.
type Finder interface {
	Find(ctx context.Context, attr, value string) (*directory.Record, error)
}

// Binder verifies a secret against the directory.
type Binder interface {
	Bind(ctx context.Context, rec *directory.Record, secret string) error
}

// Policy decides whether a resolved entry may log in.
type Policy interface {
	Evaluate(rec *directory.Record, local *identity.LocalIdentity) error
}

// Reconciler maintains the local identity for a directory entry.
type Reconciler interface {
	Locate(ctx context.Context, rec *directory.Record) (*identity.LocalIdentity, error)
	Reconcile(ctx context.Context, rec *directory.Record, secret string) (*identity.LocalIdentity, error)
}

// RetryPolicy bounds retries of transient directory failures.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Config wires an Orchestrator.
type Config struct {
	Finder Finder
	Binder Binder
	Policy Policy

	// Reconciler is nil for the directory-only provider.
	Reconciler Reconciler

	// DiscoverAttribute is matched against the login identifier.
	DiscoverAttribute string

	// Trusted sign-on resolves the asserted account name through
	// TrustedAttribute and skips the bind.
	TrustedEnabled   bool
	TrustedAttribute string

	// Fallback checks the local password when the directory cannot vouch
	// for the identifier. It needs Store, Hasher and LocalKeyField.
	Fallback      bool
	Store         identity.Store
	Hasher        *identity.Hasher
	LocalKeyField string

	Retry   RetryPolicy
	Limiter ratelimit.Limiter
	Events  *events.Emitter
}

// Result is a successful authentication.
type Result struct {
	// Identity is nil for the directory-only provider.
	Identity *identity.LocalIdentity
	// Principal is nil when the fallback path authenticated the attempt.
	Principal *directory.Record
	Method    Method
}

// Orchestrator is safe for concurrent use. Attempts share nothing but the
// identity store.
type Orchestrator struct {
	cfg Config
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Finder == nil || cfg.Binder == nil {
		return nil, errors.New("auth: directory finder and binder are required")
	}
	if cfg.Policy == nil {
		return nil, errors.New("auth: policy is required")
	}
	if cfg.DiscoverAttribute == "" {
		return nil, errors.New("auth: discover attribute is required")
	}
	if cfg.TrustedEnabled && cfg.TrustedAttribute == "" {
		return nil, errors.New("auth: trusted attribute is required when trusted sign-on is enabled")
	}
	if cfg.Fallback && (cfg.Store == nil || cfg.Hasher == nil || cfg.LocalKeyField == "") {
		return nil, errors.New("auth: fallback needs a store, a hasher and a local key field")
	}
	if cfg.Retry.Attempts < 1 {
		cfg.Retry.Attempts = 1
	}
	if cfg.Events == nil {
		cfg.Events = events.NoopEmitter()
	}
	return &Orchestrator{cfg: cfg}, nil
}

// TrustedEnabled reports whether AuthenticateTrusted may be used.
func (o *Orchestrator) TrustedEnabled() bool {
	return o.cfg.TrustedEnabled
}

// Authenticate verifies identifier and secret. Failures the person logging
// in may see match ErrAuthenticationFailed; a directory outage without a
// usable fallback matches directory.ErrUnavailable instead.
func (o *Orchestrator) Authenticate(ctx context.Context, identifier, secret string) (*Result, error) {
	start := time.Now()
	identifier = strings.TrimSpace(identifier)
	res, err := o.authenticate(ctx, identifier, secret)
	o.finish(ctx, "password", identifier, start, res, err)
	return res, err
}

func (o *Orchestrator) authenticate(ctx context.Context, identifier, secret string) (*Result, error) {
	if identifier == "" {
		return nil, fail(ReasonNoMatch, "empty identifier", nil)
	}
	if err := o.allow(ctx, identifier); err != nil {
		return nil, err
	}

	rec, err := o.find(ctx, o.cfg.DiscoverAttribute, identifier)
	switch {
	case err == nil:
	case errors.Is(err, directory.ErrNoMatch), errors.Is(err, directory.ErrUnavailable):
		return o.fallback(ctx, identifier, secret, err)
	default:
		return nil, err
	}

	err = o.retry(ctx, "bind", func() error {
		return o.cfg.Binder.Bind(ctx, rec, secret)
	})
	switch {
	case err == nil:
	case errors.Is(err, directory.ErrInvalidCredentials):
		return nil, fail(ReasonInvalidCredentials, "directory refused the bind", err)
	case errors.Is(err, directory.ErrUnavailable):
		return o.fallback(ctx, identifier, secret, err)
	default:
		return nil, err
	}

	return o.complete(ctx, rec, secret, MethodDirectory)
}

// AuthenticateTrusted signs in an account name asserted by a trusted
// front end. No secret is checked, so the local password is never set from
// this path.
func (o *Orchestrator) AuthenticateTrusted(ctx context.Context, account string) (*Result, error) {
	start := time.Now()
	account = strings.TrimSpace(account)
	res, err := o.authenticateTrusted(ctx, account)
	o.finish(ctx, "trusted", account, start, res, err)
	return res, err
}

func (o *Orchestrator) authenticateTrusted(ctx context.Context, account string) (*Result, error) {
	if !o.cfg.TrustedEnabled {
		return nil, ErrTrustedDisabled
	}
	if account == "" {
		return nil, fail(ReasonNoMatch, "empty account name", nil)
	}
	if err := o.allow(ctx, account); err != nil {
		return nil, err
	}

	rec, err := o.find(ctx, o.cfg.TrustedAttribute, account)
	switch {
	case err == nil:
	case errors.Is(err, directory.ErrNoMatch):
		return nil, fail(ReasonNoMatch, err.Error(), err)
	default:
		return nil, err
	}

	return o.complete(ctx, rec, "", MethodTrusted)
}

// complete runs policy and reconciliation for an entry whose identity has
// been established.
func (o *Orchestrator) complete(ctx context.Context, rec *directory.Record, secret string, method Method) (*Result, error) {
	var local *identity.LocalIdentity
	if o.cfg.Reconciler != nil {
		var err error
		local, err = o.cfg.Reconciler.Locate(ctx, rec)
		if errors.Is(err, reconcile.ErrNoKey) {
			return nil, fail(ReasonNoMatch, err.Error(), err)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := o.cfg.Policy.Evaluate(rec, local); err != nil {
		var denied *rules.DeniedError
		if errors.As(err, &denied) {
			return nil, fail(ReasonPolicyDenied, denied.Error(), denied)
		}
		return nil, err
	}

	if o.cfg.Reconciler != nil {
		var err error
		local, err = o.cfg.Reconciler.Reconcile(ctx, rec, secret)
		if err != nil {
			return nil, err
		}
	}

	return &Result{Identity: local, Principal: rec, Method: method}, nil
}

// fallback checks the secret against the local identity when the directory
// could not vouch for the identifier.
func (o *Orchestrator) fallback(ctx context.Context, identifier, secret string, cause error) (*Result, error) {
	if !o.cfg.Fallback {
		if errors.Is(cause, directory.ErrUnavailable) {
			return nil, cause
		}
		return nil, fail(ReasonNoMatch, cause.Error(), cause)
	}

	logger.Ctx(ctx).Debug().Err(cause).Msg("directory could not authenticate, trying local password")

	local, err := o.cfg.Store.FindByField(ctx, o.cfg.LocalKeyField, identifier)
	switch {
	case err == nil:
	case errors.Is(err, identity.ErrNotFound):
		FallbacksTotal.WithLabelValues("failed").Inc()
		return nil, fail(ReasonNoMatch, "no local identity for fallback", nil)
	default:
		return nil, fmt.Errorf("fallback lookup: %w", err)
	}

	if local.Deleted() {
		FallbacksTotal.WithLabelValues("failed").Inc()
		return nil, fail(ReasonNoMatch, "local identity is deleted", nil)
	}
	if !o.cfg.Hasher.Verify(local.PasswordHash, secret) {
		FallbacksTotal.WithLabelValues("failed").Inc()
		return nil, fail(ReasonInvalidCredentials, "local password does not match", nil)
	}

	FallbacksTotal.WithLabelValues("success").Inc()
	return &Result{Identity: local, Method: MethodFallback}, nil
}

func (o *Orchestrator) find(ctx context.Context, attr, value string) (*directory.Record, error) {
	var rec *directory.Record
	err := o.retry(ctx, "search", func() error {
		var err error
		rec, err = o.cfg.Finder.Find(ctx, attr, value)
		return err
	})
	return rec, err
}

// retry repeats fn while it fails with directory.ErrUnavailable, up to the
// configured number of attempts.
func (o *Orchestrator) retry(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, directory.ErrUnavailable) || attempt >= o.cfg.Retry.Attempts {
			return err
		}

		delay := utils.Backoff(attempt, o.cfg.Retry.BaseDelay, o.cfg.Retry.MaxDelay)
		logger.Ctx(ctx).Debug().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("directory unavailable, retrying")
		RetriesTotal.WithLabelValues(op).Inc()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) allow(ctx context.Context, identifier string) error {
	if o.cfg.Limiter == nil {
		return nil
	}
	res, err := o.cfg.Limiter.Allow(ctx, ratelimit.Key(identifier))
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if !res.Allowed {
		return &RateLimitedError{RetryAfter: res.RetryAfter}
	}
	return nil
}

// finish records metrics, the audit event and the log line for an attempt.
func (o *Orchestrator) finish(ctx context.Context, path, identifier string, start time.Time, res *Result, err error) {
	elapsed := time.Since(start)
	outcome := outcomeLabel(err)
	AttemptsTotal.WithLabelValues(path, outcome).Inc()
	AttemptDuration.WithLabelValues(path).Observe(elapsed.Seconds())

	ev := &events.LoginEvent{
		Identifier: identifier,
		RemoteAddr: reqctx.ClientAddr(ctx),
		RequestID:  reqctx.GetRequestID(ctx),
		DurationMs: elapsed.Milliseconds(),
	}

	log := logger.Ctx(ctx)
	switch outcome {
	case "success":
		ev.Type = events.LoginSucceeded
		ev.Method = string(res.Method)
		if res.Principal != nil {
			ev.Principal = res.Principal.DN
		}
		if res.Identity != nil {
			ev.IdentityID = res.Identity.ID
		}
		log.Info().
			Str("identifier", identifier).
			Str("method", ev.Method).
			Str("principal", ev.Principal).
			Msg("login succeeded")
	case "failed":
		fe := &FailureError{}
		errors.As(err, &fe)
		FailuresTotal.WithLabelValues(string(fe.Reason)).Inc()
		ev.Type = events.LoginFailed
		ev.Reason = string(fe.Reason)
		log.Info().
			Str("identifier", identifier).
			Str("reason", string(fe.Reason)).
			Str("detail", fe.Detail).
			Msg("login failed")
	case "rate_limited":
		ev.Type = events.LoginRateLimited
		log.Warn().Str("identifier", identifier).Msg("login rate limited")
	case "disabled":
		ev.Type = events.LoginFailed
		ev.Reason = "trusted_disabled"
		log.Warn().Str("identifier", identifier).Msg("trusted sign-on attempted while disabled")
	case "unavailable":
		ev.Type = events.LoginUnavailable
		log.Warn().Err(err).Str("identifier", identifier).Msg("directory unavailable")
	default:
		ev.Type = events.LoginFailed
		ev.Reason = "error"
		log.Error().Err(err).Str("identifier", identifier).Msg("login error")
	}

	o.cfg.Events.Emit(ctx, ev)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrAuthenticationFailed):
		return "failed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTrustedDisabled):
		return "disabled"
	case errors.Is(err, directory.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
