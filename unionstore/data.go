// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package unionstore composes an ordered list of data/history sub-stores
// plus one remote-fallback collaborator into a single read interface
// (§4.5): a query tries each sub-store in turn, and on a miss from all of
// them invokes the fallback once before retrying.
package unionstore // import "remotefilelog.io/unionstore"

import (
	"sync"

	"remotefilelog.io/errors"
	"remotefilelog.io/node"
	"remotefilelog.io/pack"
)

// DataStore is implemented by anything that can serve delta lookups: a
// pack.Reader, a pack.Writer (while still mutable), a loose.Store, or an
// adapter over a packset.Set such as the one in package store.
type DataStore interface {
	GetDelta(path string, id node.ID) (delta []byte, basePath string, baseID node.ID, meta pack.Metadata, err error)
	GetMissing(keys []node.Key) ([]node.Key, error)
	MarkForRefresh()
}

// Fallback populates one or more sub-stores with the requested keys and
// returns once it has done what it can; it does not itself answer reads.
type Fallback interface {
	Fetch(keys []node.Key) error
}

// DataUnion is the C5 union store specialized for delta (data) lookups.
type DataUnion struct {
	mu       sync.RWMutex
	stores   []DataStore
	fallback Fallback
}

// NewDataUnion returns an empty union with the given fallback collaborator
// (nil if none is configured).
func NewDataUnion(fallback Fallback) *DataUnion {
	return &DataUnion{fallback: fallback}
}

// AddStore appends s to the end of the search order.
func (u *DataUnion) AddStore(s DataStore) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stores = append(u.stores, s)
}

// RemoveStore retires s from the search order. Nothing in this module
// calls it: repack works on pack files and does not remove sub-stores.
func (u *DataUnion) RemoveStore(s DataStore) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, st := range u.stores {
		if st == s {
			u.stores = append(u.stores[:i], u.stores[i+1:]...)
			return
		}
	}
}

func (u *DataUnion) snapshot() []DataStore {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]DataStore, len(u.stores))
	copy(out, u.stores)
	return out
}

// GetDelta tries each sub-store in order. On a miss from all of them it
// invokes the fallback once, marks every sub-store for refresh, and
// retries; a second miss is reported as Missing (§4.5).
func (u *DataUnion) GetDelta(path string, id node.ID) ([]byte, string, node.ID, pack.Metadata, error) {
	const op = "unionstore.DataUnion.GetDelta"
	delta, basePath, baseID, meta, err := u.tryGetDelta(path, id)
	if err == nil {
		return delta, basePath, baseID, meta, nil
	}
	if !errors.Is(errors.Missing, err) || u.fallback == nil {
		return nil, "", node.ID{}, pack.Metadata{}, err
	}

	if ferr := u.fallback.Fetch([]node.Key{{Path: path, ID: id}}); ferr != nil {
		return nil, "", node.ID{}, pack.Metadata{}, errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Network, ferr)
	}
	u.MarkForRefresh()

	delta, basePath, baseID, meta, err = u.tryGetDelta(path, id)
	if err != nil {
		return nil, "", node.ID{}, pack.Metadata{}, errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Missing)
	}
	return delta, basePath, baseID, meta, nil
}

func (u *DataUnion) tryGetDelta(path string, id node.ID) ([]byte, string, node.ID, pack.Metadata, error) {
	for _, s := range u.snapshot() {
		delta, basePath, baseID, meta, err := s.GetDelta(path, id)
		if err == nil {
			return delta, basePath, baseID, meta, nil
		}
		if errors.Is(errors.Missing, err) {
			continue
		}
		// Any sub-store error that is not "missing" is itself already
		// classified (e.g. Corrupt from a suspect pack) and surfaces
		// directly; the sub-store has already applied its own
		// deletecorruptpacks policy.
		return nil, "", node.ID{}, pack.Metadata{}, err
	}
	return nil, "", node.ID{}, pack.Metadata{}, errors.E(errors.Path(path), errors.Ref(id[:]), errors.Missing)
}

// GetMissing folds the query across every sub-store, reducing the missing
// set as each reports hits (§4.5). It does not consult the fallback.
func (u *DataUnion) GetMissing(keys []node.Key) ([]node.Key, error) {
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
func (u *DataUnion) MarkForRefresh() {
	for _, s := range u.snapshot() {
		s.MarkForRefresh()
	}
}
