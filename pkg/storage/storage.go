// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package storage provides the persistence contracts used across the
// sync engine. Keys are namespaced by prefix; callers iterate a
// namespace with Iterate and a shared prefix.
package storage

import (
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when no element was found.
	ErrNotFound = errors.New("storage: not found")
)

// StateIterFunc is used when iterating through StateStorer key/value
// pairs. It can be used to stop iteration when the first boolean value
// is true.
type StateIterFunc func(key, value []byte) (stop bool, err error)

// StateStorer defines methods required to get, set, delete values for
// different keys and close the underlying resources.
type StateStorer interface {
	Get(key string, i interface{}) error
	Put(key string, i interface{}) error
	Delete(key string) error
	Iterate(prefix string, iterFunc StateIterFunc) error
	io.Closer
}
