// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/dirauth/pkg/logger"

	"github.com/google/uuid"
)

const (
	defaultQueueSize       = 1024
	defaultDeliveryTimeout = 5 * time.Second
)

// EmitterConfig configures the event emitter.
type EmitterConfig struct {
	// Publishers receive every event in order. With none, Emit is a no-op.
	Publishers []Publisher

	// QueueSize bounds the number of undelivered events (default 1024).
	// Events beyond it are dropped.
	QueueSize int

	// DeliveryTimeout bounds a single publish call (default 5s).
	DeliveryTimeout time.Duration
}

// Emitter queues login events for asynchronous delivery.
type Emitter struct {
	publishers []Publisher
	timeout    time.Duration

	mu     sync.RWMutex
	queue  chan *LoginEvent
	closed bool
	wg     sync.WaitGroup

	// monotonic counter for event ordering
	sequencer atomic.Uint64
}

// NewEmitter starts the delivery worker when at least one publisher is
// configured.
func NewEmitter(cfg EmitterConfig) *Emitter {
	if len(cfg.Publishers) == 0 {
		return NoopEmitter()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}

	e := &Emitter{
		publishers: cfg.Publishers,
		timeout:    cfg.DeliveryTimeout,
		queue:      make(chan *LoginEvent, cfg.QueueSize),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// NoopEmitter returns an emitter that drops all events.
func NoopEmitter() *Emitter {
	return &Emitter{}
}

// IsEnabled returns whether the emitter delivers events.
func (e *Emitter) IsEnabled() bool {
	return e != nil && e.queue != nil
}

// Emit queues ev for delivery and returns immediately. ID, Sequencer and
// Time are filled in when unset.
func (e *Emitter) Emit(ctx context.Context, ev *LoginEvent) {
	if !e.IsEnabled() {
		EventsDroppedTotal.WithLabelValues("disabled").Inc()
		return
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Sequencer == "" {
		ev.Sequencer = e.nextSequencer()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		EventsDroppedTotal.WithLabelValues("closed").Inc()
		return
	}

	select {
	case e.queue <- ev:
		EventsEmittedTotal.WithLabelValues(string(ev.Type)).Inc()
		EventsQueueDepth.Inc()
	default:
		EventsDroppedTotal.WithLabelValues("queue_full").Inc()
		logger.Ctx(ctx).Warn().
			Str("event", string(ev.Type)).
			Str("event_id", ev.ID).
			Msg("event queue full, dropping login event")
	}
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for ev := range e.queue {
		EventsQueueDepth.Dec()
		e.deliver(ev)
	}
}

func (e *Emitter) deliver(ev *LoginEvent) {
	data, err := ev.Marshal()
	if err != nil {
		EventsDroppedTotal.WithLabelValues("marshal").Inc()
		logger.Warn().Err(err).Str("event_id", ev.ID).Msg("failed to marshal login event")
		return
	}

	key := ev.Key()
	for _, p := range e.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		start := time.Now()
		err := p.Publish(ctx, key, data)
		cancel()

		if err != nil {
			EventsDeliveryErrorsTotal.WithLabelValues(p.Name()).Inc()
			logger.Warn().
				Err(err).
				Str("publisher", p.Name()).
				Str("event_id", ev.ID).
				Msg("failed to deliver login event")
			continue
		}
		EventsDeliveredTotal.WithLabelValues(p.Name()).Inc()
		EventsDeliveryDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
	}
}

// Close stops accepting events, drains the queue and closes every
// publisher.
func (e *Emitter) Close() error {
	if !e.IsEnabled() {
		return nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	e.wg.Wait()

	var errs []error
	for _, p := range e.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// nextSequencer generates a unique, monotonically increasing sequencer value.
// Format: hex(timestamp_ms) + hex(counter) + random_suffix
func (e *Emitter) nextSequencer() string {
	ts := time.Now().UnixMilli()
	seq := e.sequencer.Add(1)

	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)

	return hex.EncodeToString([]byte{
		byte(ts >> 40), byte(ts >> 32), byte(ts >> 24), byte(ts >> 16),
		byte(ts >> 8), byte(ts),
		byte(seq >> 8), byte(seq),
	}) + hex.EncodeToString(suffix)
}
