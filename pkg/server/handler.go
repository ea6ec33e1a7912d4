// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the login flow over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/dirauth/pkg/auth"
	reqctx "github.com/LeeDigitalWorks/dirauth/pkg/context"
	"github.com/LeeDigitalWorks/dirauth/pkg/directory"
	"github.com/LeeDigitalWorks/dirauth/pkg/logger"
	"github.com/LeeDigitalWorks/dirauth/pkg/session"
)

const defaultMaxBodyBytes = 16 << 10

// Authenticator is the login flow the handler drives.
type Authenticator interface {
	Authenticate(ctx context.Context, identifier, secret string) (*auth.Result, error)
	AuthenticateTrusted(ctx context.Context, account string) (*auth.Result, error)
	TrustedEnabled() bool
}

// Config configures the HTTP surface.
type Config struct {
	// TrustedHeader carries the account name asserted by the front end on
	// POST /v1/auth/sso.
	TrustedHeader string
	// TrustedProxies limits POST /v1/auth/sso to peers inside these
	// prefixes. Empty accepts any peer.
	TrustedProxies []netip.Prefix

	MaxBodyBytes int64
}

// Handler serves:
//   - POST /v1/auth/login   - password login
//   - POST /v1/auth/sso     - trusted sign-on (only when enabled)
//   - GET  /v1/auth/session - validate a bearer token
type Handler struct {
	mux      *http.ServeMux
	auth     Authenticator
	sessions *session.Issuer
	cfg      Config
}

func NewHandler(a Authenticator, sessions *session.Issuer, cfg Config) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	h := &Handler{
		mux:      http.NewServeMux(),
		auth:     a,
		sessions: sessions,
		cfg:      cfg,
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /v1/auth/login", h.login)
	if h.auth.TrustedEnabled() && h.cfg.TrustedHeader != "" {
		h.mux.HandleFunc("POST /v1/auth/sso", h.trusted)
	}
	h.mux.HandleFunc("GET /v1/auth/session", h.session)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if id := r.Header.Get(reqctx.RequestKey); id != "" {
		ctx = reqctx.FromUUID(ctx, id)
	}
	ctx, reqID := reqctx.WithUUID(ctx)
	ctx = reqctx.WithClientAddr(ctx, clientIP(r))
	ctx = logger.WithFields(ctx, map[string]string{"request_id": reqID})

	w.Header().Set(reqctx.RequestKey, reqID)
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// === Request / response types ===

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type identityResponse struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

type loginResponse struct {
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expires_at"`
	Method    string            `json:"method"`
	Principal string            `json:"principal,omitempty"`
	Identity  *identityResponse `json:"identity,omitempty"`
}

type sessionResponse struct {
	Subject    string    `json:"subject"`
	Identifier string    `json:"identifier"`
	Principal  string    `json:"principal,omitempty"`
	IdentityID string    `json:"identity_id,omitempty"`
	Method     string    `json:"method"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// === Handlers ===

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	body := http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object")
		return
	}

	res, err := h.auth.Authenticate(r.Context(), req.Identifier, req.Password)
	if err != nil {
		h.writeAuthError(r.Context(), w, err)
		return
	}
	h.writeLogin(r.Context(), w, strings.TrimSpace(req.Identifier), res)
}

func (h *Handler) trusted(w http.ResponseWriter, r *http.Request) {
	if !h.trustedPeer(r) {
		logger.Ctx(r.Context()).Warn().
			Str("remote_addr", r.RemoteAddr).
			Msg("trusted sign-on from a peer outside trusted_proxies")
		h.writeError(w, http.StatusForbidden, "untrusted_peer", "trusted sign-on is not accepted from this address")
		return
	}
	account := r.Header.Get(h.cfg.TrustedHeader)
	res, err := h.auth.AuthenticateTrusted(r.Context(), account)
	if err != nil {
		h.writeAuthError(r.Context(), w, err)
		return
	}
	h.writeLogin(r.Context(), w, strings.TrimSpace(account), res)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="dirauth"`)
		h.writeError(w, http.StatusUnauthorized, "invalid_token", "bearer token required")
		return
	}

	claims, err := h.sessions.Verify(strings.TrimSpace(token))
	if err != nil {
		logger.Ctx(r.Context()).Debug().Err(err).Msg("session token rejected")
		w.Header().Set("WWW-Authenticate", `Bearer realm="dirauth", error="invalid_token"`)
		h.writeError(w, http.StatusUnauthorized, "invalid_token", "session token is invalid or expired")
		return
	}

	resp := sessionResponse{
		Subject:    claims.Subject,
		Identifier: claims.Identifier,
		Principal:  claims.Principal,
		IdentityID: claims.IdentityID,
		Method:     claims.Method,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// === Helpers ===

func (h *Handler) writeLogin(ctx context.Context, w http.ResponseWriter, identifier string, res *auth.Result) {
	subject := session.Subject{
		Identifier: identifier,
		Method:     string(res.Method),
	}
	resp := loginResponse{Method: string(res.Method)}
	if res.Principal != nil {
		subject.Principal = res.Principal.DN
		resp.Principal = res.Principal.DN
	}
	if res.Identity != nil {
		subject.IdentityID = res.Identity.ID
		resp.Identity = &identityResponse{ID: res.Identity.ID, Fields: res.Identity.Fields}
	}

	token, err := h.sessions.Issue(subject)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("failed to issue session token")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	resp.Token = token.Value
	resp.ExpiresAt = token.ExpiresAt
	h.writeJSON(w, http.StatusOK, resp)
}

// writeAuthError maps orchestrator errors to responses. Authentication
// failures all look the same to the caller.
func (h *Handler) writeAuthError(ctx context.Context, w http.ResponseWriter, err error) {
	var limited *auth.RateLimitedError
	switch {
	case errors.Is(err, auth.ErrAuthenticationFailed):
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", auth.ErrAuthenticationFailed.Error())
	case errors.As(err, &limited):
		if limited.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
		}
		h.writeError(w, http.StatusTooManyRequests, "rate_limited", auth.ErrRateLimited.Error())
	case errors.Is(err, auth.ErrTrustedDisabled):
		h.writeError(w, http.StatusForbidden, "trusted_disabled", err.Error())
	case errors.Is(err, directory.ErrUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "service_unavailable", "directory unavailable")
	default:
		logger.Ctx(ctx).Error().Err(err).Msg("login failed with an internal error")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, message string) {
	h.writeJSON(w, status, errorResponse{
		Error:   errType,
		Message: message,
	})
}

// trustedPeer reports whether the connecting peer may assert an account
// name. Forwarding headers are ignored, only the socket address counts.
func (h *Handler) trustedPeer(r *http.Request) bool {
	if len(h.cfg.TrustedProxies) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(clientIP(r))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range h.cfg.TrustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
