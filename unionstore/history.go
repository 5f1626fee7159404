// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unionstore

import (
	"sync"

	"remotefilelog.io/errors"
	"remotefilelog.io/node"
)

// HistoryStore is implemented by anything that can serve ancestor-record
// lookups: a histpack.Reader, a histpack.Writer (while mutable), or an
// adapter over a packset.Set such as the one in package store.
type HistoryStore interface {
	GetNodeInfo(path string, id node.ID) (p1, p2, linknode node.ID, copyfrom string, err error)
	GetMissing(keys []node.Key) ([]node.Key, error)
	MarkForRefresh()
}

// HistoryUnion is the C5 union store specialized for history lookups.
type HistoryUnion struct {
	mu       sync.RWMutex
	stores   []HistoryStore
	fallback Fallback
}

// NewHistoryUnion returns an empty union with the given fallback
// collaborator (nil if none is configured).
func NewHistoryUnion(fallback Fallback) *HistoryUnion {
	return &HistoryUnion{fallback: fallback}
}

// AddStore appends s to the end of the search order.
func (u *HistoryUnion) AddStore(s HistoryStore) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stores = append(u.stores, s)
}

// RemoveStore retires s.
func (u *HistoryUnion) RemoveStore(s HistoryStore) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, st := range u.stores {
		if st == s {
			u.stores = append(u.stores[:i], u.stores[i+1:]...)
			return
		}
	}
}

func (u *HistoryUnion) snapshot() []HistoryStore {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]HistoryStore, len(u.stores))
	copy(out, u.stores)
	return out
}

// GetNodeInfo mirrors DataUnion.GetDelta's try-then-fallback-then-retry
// policy (§4.5).
func (u *HistoryUnion) GetNodeInfo(path string, id node.ID) (node.ID, node.ID, node.ID, string, error) {
	const op = "unionstore.HistoryUnion.GetNodeInfo"
	p1, p2, link, copyfrom, err := u.tryGetNodeInfo(path, id)
	if err == nil {
		return p1, p2, link, copyfrom, nil
	}
	if !errors.Is(errors.Missing, err) || u.fallback == nil {
		return node.ID{}, node.ID{}, node.ID{}, "", err
	}

	if ferr := u.fallback.Fetch([]node.Key{{Path: path, ID: id}}); ferr != nil {
		return node.ID{}, node.ID{}, node.ID{}, "", errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Network, ferr)
	}
	u.MarkForRefresh()

	p1, p2, link, copyfrom, err = u.tryGetNodeInfo(path, id)
	if err != nil {
		return node.ID{}, node.ID{}, node.ID{}, "", errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Missing)
	}
	return p1, p2, link, copyfrom, nil
}

func (u *HistoryUnion) tryGetNodeInfo(path string, id node.ID) (node.ID, node.ID, node.ID, string, error) {
	for _, s := range u.snapshot() {
		p1, p2, link, copyfrom, err := s.GetNodeInfo(path, id)
		if err == nil {
			return p1, p2, link, copyfrom, nil
		}
		if errors.Is(errors.Missing, err) {
			continue
		}
		return node.ID{}, node.ID{}, node.ID{}, "", err
	}
	return node.ID{}, node.ID{}, node.ID{}, "", errors.E(errors.Path(path), errors.Ref(id[:]), errors.Missing)
}

// GetMissing folds the query across every sub-store.
func (u *HistoryUnion) GetMissing(keys []node.Key) ([]node.Key, error) {
	missing := append([]node.Key(nil), keys...)
	for _, s := range u.snapshot() {
		if len(missing) == 0 {
			break
		}
		var err error
		missing, err = s.GetMissing(missing)
		if err != nil {
			return nil, err
		}
	}
	return missing, nil
}

// MarkForRefresh tells every sub-store to rescan on its next query.
func (u *HistoryUnion) MarkForRefresh() {
	for _, s := range u.snapshot() {
		s.MarkForRefresh()
	}
}
