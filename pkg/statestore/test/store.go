// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package test provides a suite of tests applicable to every
// storage.StateStorer implementation.
package test

import (
	"errors"
	"strings"
	"testing"

	"github.com/TJ456/monad-chain-game-sub000/pkg/storage"
)

const (
	key1 = "key1"
	key2 = "key2"

	value1 = "value1"
	value2 = "value2"
)

// Run runs the statestore test suite against the store produced by f.
func Run(t *testing.T, f func(t *testing.T) storage.StateStorer) {
	t.Helper()

	t.Run("put get", func(t *testing.T) { testPutGet(t, f) })
	t.Run("delete", func(t *testing.T) { testDelete(t, f) })
	t.Run("iterate", func(t *testing.T) { testIterate(t, f) })
}

func testPutGet(t *testing.T, f func(t *testing.T) storage.StateStorer) {
	t.Helper()

	store := f(t)

	var s string
	if err := store.Get(key1, &s); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get missing key: got error %v, want %v", err, storage.ErrNotFound)
	}

	if err := store.Put(key1, value1); err != nil {
		t.Fatal(err)
	}
	if err := store.Get(key1, &s); err != nil {
		t.Fatal(err)
	}
	if s != value1 {
		t.Fatalf("got %q, want %q", s, value1)
	}

	// overwrite
	if err := store.Put(key1, value2); err != nil {
		t.Fatal(err)
	}
	if err := store.Get(key1, &s); err != nil {
		t.Fatal(err)
	}
	if s != value2 {
		t.Fatalf("got %q, want %q", s, value2)
	}
}

func testDelete(t *testing.T, f func(t *testing.T) storage.StateStorer) {
	t.Helper()

	store := f(t)

	if err := store.Put(key1, value1); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(key1); err != nil {
		t.Fatal(err)
	}

	var s string
	if err := store.Get(key1, &s); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get deleted key: got error %v, want %v", err, storage.ErrNotFound)
	}
}

func testIterate(t *testing.T, f func(t *testing.T) storage.StateStorer) {
	t.Helper()

	store := f(t)

	if err := store.Put("ns_"+key1, value1); err != nil {
		t.Fatal(err)
	}
	if err := store.Put("ns_"+key2, value2); err != nil {
		t.Fatal(err)
	}
	if err := store.Put("other_key", value1); err != nil {
		t.Fatal(err)
	}

	var seen []string
	err := store.Iterate("ns_", func(k, v []byte) (bool, error) {
		if !strings.HasPrefix(string(k), "ns_") {
			t.Fatalf("iterate leaked key %q outside prefix", string(k))
		}
		seen = append(seen, string(k))
		return false, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 {
		t.Fatalf("got %v keys, want 2", len(seen))
	}
}
