// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package events fans login audit events out to configured publishers.
//
// Events are queued in memory and delivered by a background worker so
// that a slow broker never delays a login. Events never carry secrets.
package events

import (
	"encoding/json"
	"time"

	"github.com/LeeDigitalWorks/dirauth/pkg/identity"
)

// Type identifies what happened during a login attempt.
type Type string

const (
	LoginSucceeded   Type = "login.succeeded"
	LoginFailed      Type = "login.failed"
	LoginRateLimited Type = "login.rate_limited"
	LoginUnavailable Type = "login.unavailable"
)

// LoginEvent is the audit record of one authentication attempt.
type LoginEvent struct {
	ID        string    `json:"id"`
	Sequencer string    `json:"sequencer"`
	Type      Type      `json:"type"`
	Time      time.Time `json:"time"`

	Identifier string `json:"identifier"`
	Method     string `json:"method,omitempty"` // "directory", "fallback", "trusted"
	Reason     string `json:"reason,omitempty"`
	Principal  string `json:"principal,omitempty"`
	IdentityID string `json:"identity_id,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Key is the partition key for the event. Attempts for the same identifier
// share a key so brokers keep them in order.
func (e *LoginEvent) Key() string {
	return identity.NormalizeKey(e.Identifier)
}

func (e *LoginEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
