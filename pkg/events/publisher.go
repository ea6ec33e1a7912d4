// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"

	"github.com/LeeDigitalWorks/dirauth/pkg/logger"
)

// Publisher delivers a serialized event to one destination.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, key string, data []byte) error
	Close() error
}

// LogPublisher writes events to the structured log.
type LogPublisher struct{}

func (LogPublisher) Name() string { return "log" }

func (LogPublisher) Publish(ctx context.Context, key string, data []byte) error {
	logger.Ctx(ctx).Info().
		Str("key", key).
		RawJSON("event", data).
		Msg("login event")
	return nil
}

func (LogPublisher) Close() error { return nil }
