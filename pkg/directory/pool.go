// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"fmt"
	"sync"
)

// pool keeps service-bound connections for searches. It never holds
// connections bound as an end user.
type pool struct {
	dial     DialFunc
	bindDN   string
	bindPass string

	mu     sync.Mutex
	conns  chan Conn
	closed bool
}

func newPool(dial DialFunc, size int, bindDN, bindPass string) *pool {
	return &pool{
		dial:     dial,
		bindDN:   bindDN,
		bindPass: bindPass,
		conns:    make(chan Conn, size),
	}
}

func (p *pool) get(ctx context.Context) (Conn, error) {
	for {
		select {
		case conn := <-p.conns:
			if conn.IsClosing() {
				_ = conn.Close()
				continue
			}
			return conn, nil
		default:
			return p.open(ctx)
		}
	}
}

func (p *pool) open(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("connection pool closed")
	}

	conn, err := p.dial(ctx)
	if err != nil {
		DialsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	DialsTotal.WithLabelValues("ok").Inc()

	if p.bindDN != "" {
		err := do(ctx, conn, func() error {
			return conn.Bind(p.bindDN, p.bindPass)
		})
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("service account bind failed: %w", err)
		}
	}
	return conn, nil
}

// put returns a healthy connection to the pool, closing it when the pool is
// full or shut down.
func (p *pool) put(conn Conn) {
	if conn == nil {
		return
	}
	if conn.IsClosing() {
		_ = conn.Close()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = conn.Close()
		return
	}
	select {
	case p.conns <- conn:
	default:
		_ = conn.Close()
	}
}

func (p *pool) discard(conn Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}

func (p *pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for {
		select {
		case conn := <-p.conns:
			_ = conn.Close()
		default:
			return
		}
	}
}

func (p *pool) idle() int {
	return len(p.conns)
}
