// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"remotefilelog.io/errors"
	"remotefilelog.io/histpack"
	"remotefilelog.io/node"
	"remotefilelog.io/pack"
	"remotefilelog.io/packset"
)

// dataPackSetStore adapts a packset.Set of data packs to
// unionstore.DataStore, querying each open pack.Reader in
// most-recently-used order until one answers or all are exhausted.
type dataPackSetStore struct {
	set *packset.Set
}

func (d *dataPackSetStore) GetDelta(path string, id node.ID) (delta []byte, basePath string, baseID node.ID, meta pack.Metadata, err error) {
	const op = "store.dataPackSetStore.GetDelta"
	query := func(h packset.Handle) (bool, error) {
		r, ok := h.(*pack.Reader)
		if !ok {
			return false, errors.E(errors.Internal, errors.Str("unexpected handle type in data pack-set"))
		}
		dlt, bp, bid, m, e := r.GetDelta(path, id)
		if e != nil {
			if errors.Is(errors.Missing, e) {
				return false, packset.ErrNotFound
			}
			return false, e
		}
		delta, basePath, baseID, meta = dlt, bp, bid, m
		return true, nil
	}

	found, qerr := d.set.Query(query)
	if qerr != nil {
		return nil, "", node.ID{}, pack.Metadata{}, qerr
	}
	if !found {
		// A pack written since the set's last scan may already hold
		// this key; force a rescan under miss pressure and retry once
		// before giving up (§4.3).
		if err := d.set.Refresh(true); err != nil {
			return nil, "", node.ID{}, pack.Metadata{}, err
		}
		found, qerr = d.set.Query(query)
		if qerr != nil {
			return nil, "", node.ID{}, pack.Metadata{}, qerr
		}
	}
	if !found {
		return nil, "", node.ID{}, pack.Metadata{}, errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Missing)
	}
	return delta, basePath, baseID, meta, nil
}

// GetMissing folds GetMissing over every pack currently open in the set,
// forcing a rescan first so a pack written since the last query is
// considered (§4.3, §4.5).
func (d *dataPackSetStore) GetMissing(keys []node.Key) ([]node.Key, error) {
	if err := d.set.Refresh(true); err != nil {
		return nil, err
	}
	missing := append([]node.Key(nil), keys...)
	_, err := d.set.Query(func(h packset.Handle) (bool, error) {
		r, ok := h.(*pack.Reader)
		if !ok {
			return false, packset.ErrNotFound
		}
		rest, err := r.GetMissing(missing)
		if err != nil {
			return false, err
		}
		missing = rest
		if len(missing) == 0 {
			return true, nil
		}
		return false, packset.ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return missing, nil
}

func (d *dataPackSetStore) MarkForRefresh() { d.set.MarkForRefresh() }

// histPackSetStore adapts a packset.Set of history packs to
// unionstore.HistoryStore the same way dataPackSetStore adapts data
// packs.
type histPackSetStore struct {
	set *packset.Set
}

func (h *histPackSetStore) GetNodeInfo(path string, id node.ID) (p1, p2, linknode node.ID, copyfrom string, err error) {
	const op = "store.histPackSetStore.GetNodeInfo"
	query := func(handle packset.Handle) (bool, error) {
		r, ok := handle.(*histpack.Reader)
		if !ok {
			return false, errors.E(errors.Internal, errors.Str("unexpected handle type in history pack-set"))
		}
		a, b, link, cf, e := r.GetNodeInfo(path, id)
		if e != nil {
			if errors.Is(errors.Missing, e) {
				return false, packset.ErrNotFound
			}
			return false, e
		}
		p1, p2, linknode, copyfrom = a, b, link, cf
		return true, nil
	}

	found, qerr := h.set.Query(query)
	if qerr != nil {
		return node.ID{}, node.ID{}, node.ID{}, "", qerr
	}
	if !found {
		if err := h.set.Refresh(true); err != nil {
			return node.ID{}, node.ID{}, node.ID{}, "", err
		}
		found, qerr = h.set.Query(query)
		if qerr != nil {
			return node.ID{}, node.ID{}, node.ID{}, "", qerr
		}
	}
	if !found {
		return node.ID{}, node.ID{}, node.ID{}, "", errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Missing)
	}
	return p1, p2, linknode, copyfrom, nil
}

// GetMissing mirrors dataPackSetStore.GetMissing for history packs.
func (h *histPackSetStore) GetMissing(keys []node.Key) ([]node.Key, error) {
	if err := h.set.Refresh(true); err != nil {
		return nil, err
	}
	missing := append([]node.Key(nil), keys...)
	_, err := h.set.Query(func(handle packset.Handle) (bool, error) {
		r, ok := handle.(*histpack.Reader)
		if !ok {
			return false, packset.ErrNotFound
		}
		rest, err := r.GetMissing(missing)
		if err != nil {
			return false, err
		}
		missing = rest
		if len(missing) == 0 {
			return true, nil
		}
		return false, packset.ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return missing, nil
}

func (h *histPackSetStore) MarkForRefresh() { h.set.MarkForRefresh() }
