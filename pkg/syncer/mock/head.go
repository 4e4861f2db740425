// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mock provides a settable ordering collaborator for tests.
package mock

import (
	"context"
	"sync"
)

// HeadSource reports a settable head version and declared root.
type HeadSource struct {
	mtx     sync.Mutex
	version uint64
	root    []byte
	err     error
}

func NewHeadSource(version uint64, root []byte) *HeadSource {
	return &HeadSource{version: version, root: root}
}

func (h *HeadSource) Head(context.Context) (uint64, []byte, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.err != nil {
		return 0, nil, h.err
	}
	return h.version, append([]byte(nil), h.root...), nil
}

// Set updates the reported head.
func (h *HeadSource) Set(version uint64, root []byte) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.version = version
	h.root = root
}

// SetErr makes Head fail.
func (h *HeadSource) SetErr(err error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.err = err
}
