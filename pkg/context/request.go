// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package context carries per-request metadata for login attempts.
package context

import (
	"context"

	"github.com/google/uuid"
)

const (
	// RequestKey is the header a caller may use to supply its own request ID.
	RequestKey = "X-Request-Id"
)

type RequestID struct{}

type clientAddr struct{}

func WithUUID(c context.Context) (context.Context, string) {
	if id, ok := c.Value(RequestID{}).(string); ok && id != "" {
		return c, id
	}
	newID := uuid.New().String()
	c = context.WithValue(c, RequestID{}, newID)
	return c, newID
}

func FromUUID(c context.Context, reqID string) context.Context {
	return context.WithValue(c, RequestID{}, reqID)
}

// GetRequestID returns the request ID, or "" when none was attached.
func GetRequestID(c context.Context) string {
	id, _ := c.Value(RequestID{}).(string)
	return id
}

// WithClientAddr records the address the login attempt came from.
func WithClientAddr(c context.Context, addr string) context.Context {
	return context.WithValue(c, clientAddr{}, addr)
}

func ClientAddr(c context.Context) string {
	addr, _ := c.Value(clientAddr{}).(string)
	return addr
}
