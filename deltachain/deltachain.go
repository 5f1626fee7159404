// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package deltachain walks and resolves the chain of deltas backing a
// revision (C6): starting from a leaf (path, node), it follows
// delta-base links back to a full-text root, guarding against cycles and
// pathologically long chains, then reconstructs the full text by
// replaying an externally supplied patch-application function.
package deltachain // import "remotefilelog.io/deltachain"

import (
	"remotefilelog.io/errors"
	"remotefilelog.io/node"
	"remotefilelog.io/pack"
)

// MaxDepth bounds the number of hops a chain may contain (§4.6).
const MaxDepth = 1000

// Link is one hop in a delta chain: the entry found for (Path, ID), whose
// bytes are a delta against (Path, Base) unless Base is node.Null, in
// which case Delta is a full text.
type Link struct {
	Path  string
	ID    node.ID
	Base  node.ID
	Delta []byte
	Meta  pack.Metadata
}

// Fetch looks up the delta entry for (path, id) within whatever store is
// backing the chain; it is exactly unionstore.DataUnion.GetDelta's
// signature, passed in rather than imported to avoid deltachain depending
// on unionstore.
type Fetch func(path string, id node.ID) (delta []byte, basePath string, baseID node.ID, meta pack.Metadata, err error)

// Walk produces the chain for (path, id), root first, bounded by
// MaxDepth. It is WalkMax(path, id, fetch, MaxDepth).
func Walk(path string, id node.ID, fetch Fetch) ([]Link, error) {
	return WalkMax(path, id, fetch, MaxDepth)
}

// WalkMax is Walk with an explicit depth bound, so a caller can honor a
// configured packs.maxchainlen instead of the package default (§6.4).
func WalkMax(path string, id node.ID, fetch Fetch, maxDepth int) ([]Link, error) {
	const op = "deltachain.Walk"

	delta, _, base, meta, err := fetch(path, id)
	if err != nil {
		return nil, err
	}
	chain := []Link{{Path: path, ID: id, Base: base, Delta: delta, Meta: meta}}
	seen := map[node.ID]bool{id: true}

	for chain[len(chain)-1].Base != node.Null {
		if len(chain) >= maxDepth {
			return nil, errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Corrupt, errors.Str("delta chain exceeds maximum depth"))
		}
		next := chain[len(chain)-1].Base
		if seen[next] {
			return nil, errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Corrupt, errors.Str("delta cycle"))
		}
		delta, _, base, meta, err := fetch(path, next)
		if err != nil {
			return nil, err
		}
		chain = append(chain, Link{Path: path, ID: next, Base: base, Delta: delta, Meta: meta})
		seen[next] = true
	}

	reversed := make([]Link, len(chain))
	for i, l := range chain {
		reversed[len(chain)-1-i] = l
	}
	return reversed, nil
}

// Apply applies a delta against base to produce the next full text. It is
// supplied externally (§4.6: "a standard text-diff application function...
// not part of this core").
type Apply func(base, delta []byte) ([]byte, error)

// Reconstruct replays chain (as returned by Walk: root first) through
// apply to produce the leaf's full text. The root link's Delta is treated
// as the full text itself, never passed to apply.
func Reconstruct(chain []Link, apply Apply) ([]byte, error) {
	const op = "deltachain.Reconstruct"
	if len(chain) == 0 {
		return nil, errors.E(errors.Op(op), errors.Internal, errors.Str("empty chain"))
	}
	if chain[0].Base != node.Null {
		return nil, errors.E(errors.Op(op), errors.Corrupt, errors.Str("chain root has a non-null delta base"))
	}
	text := chain[0].Delta
	for _, link := range chain[1:] {
		next, err := apply(text, link.Delta)
		if err != nil {
			return nil, errors.E(errors.Op(op), errors.Path(link.Path), errors.Ref(link.ID[:]), errors.Corrupt, err)
		}
		text = next
	}
	return text, nil
}
