// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthenticationFailed is the only failure callers may show to the
	// person logging in. Match it with errors.Is.
	ErrAuthenticationFailed = errors.New("authentication failed")

	ErrRateLimited     = errors.New("too many login attempts")
	ErrTrustedDisabled = errors.New("trusted sign-on is disabled")
)

// Reason says why an attempt failed. It is meant for logs and audit
// events, never for the response.
type Reason string

const (
	ReasonNoMatch            Reason = "no_match"
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonPolicyDenied       Reason = "policy_denied"
)

// FailureError is an authentication failure. Error() is the same generic
// message whatever the reason.
type FailureError struct {
	Reason Reason
	Detail string
	Err    error
}

func (e *FailureError) Error() string {
	return ErrAuthenticationFailed.Error()
}

func (e *FailureError) Is(target error) bool {
	return target == ErrAuthenticationFailed
}

func (e *FailureError) Unwrap() error {
	return e.Err
}

func fail(reason Reason, detail string, cause error) *FailureError {
	return &FailureError{Reason: reason, Detail: detail, Err: cause}
}

// RateLimitedError carries how long the caller should wait.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s, retry after %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// FailureReason returns the reason of an authentication failure, or "" if
// err is not one.
func FailureReason(err error) Reason {
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}
