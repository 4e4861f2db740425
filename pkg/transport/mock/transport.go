// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mock provides an in-memory transport for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/TJ456/monad-chain-game-sub000/pkg/transport"
)

var ErrUnavailable = errors.New("mock transport: unavailable")

// Transport records sent envelopes and lets tests inject inbound ones.
type Transport struct {
	name      string
	mtx       sync.Mutex
	sent      []transport.Envelope
	handler   transport.MessageHandler
	available bool
	quality   transport.QualityMetrics
	sendErr   error
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Notifier  = (*Transport)(nil)
)

func New(name string, opts ...Option) *Transport {
	t := &Transport{
		name:      name,
		available: true,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

type Option func(*Transport)

// WithSendErr makes every Send fail with err.
func WithSendErr(err error) Option {
	return func(t *Transport) { t.sendErr = err }
}

// WithQuality seeds the reported link quality.
func WithQuality(q transport.QualityMetrics) Option {
	return func(t *Transport) { t.quality = q }
}

func (t *Transport) Send(_ context.Context, env transport.Envelope) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if !t.available {
		return ErrUnavailable
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, env)
	return nil
}

func (t *Transport) Name() string { return t.name }

func (t *Transport) Available() bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.available
}

func (t *Transport) Quality() transport.QualityMetrics {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.quality
}

func (t *Transport) OnMessage(h transport.MessageHandler) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.handler = h
}

func (t *Transport) OnConnectionChange(func(bool))                  {}
func (t *Transport) OnQualityChange(func(transport.QualityMetrics)) {}

// SetAvailable flips the connected state.
func (t *Transport) SetAvailable(v bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.available = v
}

// Deliver injects an inbound envelope as if it arrived from the peer.
func (t *Transport) Deliver(env transport.Envelope) {
	t.mtx.Lock()
	h := t.handler
	t.mtx.Unlock()
	if h != nil {
		h(env)
	}
}

// Sent returns a copy of everything sent so far.
func (t *Transport) Sent() []transport.Envelope {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return append([]transport.Envelope(nil), t.sent...)
}
