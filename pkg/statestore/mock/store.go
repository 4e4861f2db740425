// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mock provides an in-memory StateStorer for tests.
package mock

import (
	"encoding"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/TJ456/monad-chain-game-sub000/pkg/storage"
)

var _ storage.StateStorer = (*store)(nil)

type store struct {
	store map[string][]byte
	mtx   sync.RWMutex
}

// NewStateStore returns a mock StateStorer backed by a map.
func NewStateStore() storage.StateStorer {
	return &store{
		store: make(map[string][]byte),
	}
}

func (s *store) Get(key string, i interface{}) (err error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	data, ok := s.store[key]
	if !ok {
		return storage.ErrNotFound
	}

	if unmarshaler, ok := i.(encoding.BinaryUnmarshaler); ok {
		return unmarshaler.UnmarshalBinary(data)
	}

	return json.Unmarshal(data, i)
}

func (s *store) Put(key string, i interface{}) (err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var bytes []byte
	if marshaler, ok := i.(encoding.BinaryMarshaler); ok {
		if bytes, err = marshaler.MarshalBinary(); err != nil {
			return err
		}
	} else if bytes, err = json.Marshal(i); err != nil {
		return err
	}

	s.store[key] = bytes
	return nil
}

func (s *store) Delete(key string) (err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.store, key)
	return nil
}

func (s *store) Iterate(prefix string, iterFunc storage.StateIterFunc) (err error) {
	s.mtx.RLock()
	keys := make([]string, 0, len(s.store))
	for k := range s.store {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	s.mtx.RUnlock()

	for _, k := range keys {
		s.mtx.RLock()
		v, ok := s.store[k]
		s.mtx.RUnlock()
		if !ok {
			continue
		}
		stop, err := iterFunc([]byte(k), v)
		if err != nil {
			return err
		}
		if stop {
			break
		}
	}

	return nil
}

func (s *store) Close() error {
	return nil
}
