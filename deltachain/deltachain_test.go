// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package deltachain

import (
	"bytes"
	"testing"

	"remotefilelog.io/errors"
	"remotefilelog.io/node"
	"remotefilelog.io/pack"
)

type fakeEntry struct {
	delta []byte
	base  node.ID
}

func TestWalkAndReconstruct(t *testing.T) {
	root := node.Of([]byte("root text"), node.Null, node.Null)
	mid := node.Of([]byte("mid"), node.Null, node.Null)
	leaf := node.Of([]byte("leaf"), node.Null, node.Null)

	entries := map[node.ID]fakeEntry{
		root: {delta: []byte("root text"), base: node.Null},
		mid:  {delta: []byte("+mid"), base: root},
		leaf: {delta: []byte("+leaf"), base: mid},
	}

	fetch := func(path string, id node.ID) ([]byte, string, node.ID, pack.Metadata, error) {
		e, ok := entries[id]
		if !ok {
			return nil, "", node.ID{}, pack.Metadata{}, errors.E(errors.Missing)
		}
		return e.delta, path, e.base, pack.Metadata{}, nil
	}

	chain, err := Walk("f.txt", leaf, fetch)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	if chain[0].ID != root || chain[0].Base != node.Null {
		t.Errorf("chain[0] = %+v, want root with null base", chain[0])
	}
	if chain[2].ID != leaf {
		t.Errorf("chain[2].ID = %x, want leaf", chain[2].ID)
	}

	apply := func(base, delta []byte) ([]byte, error) {
		return append(append([]byte(nil), base...), delta...), nil
	}
	text, err := Reconstruct(chain, apply)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	want := "root text+mid+leaf"
	if !bytes.Equal(text, []byte(want)) {
		t.Errorf("Reconstruct = %q, want %q", text, want)
	}
}

func TestWalkDetectsCycle(t *testing.T) {
	a := node.Of([]byte("a"), node.Null, node.Null)
	b := node.Of([]byte("b"), node.Null, node.Null)

	fetch := func(path string, id node.ID) ([]byte, string, node.ID, pack.Metadata, error) {
		switch id {
		case a:
			return []byte("a"), path, b, pack.Metadata{}, nil
		case b:
			return []byte("b"), path, a, pack.Metadata{}, nil
		}
		return nil, "", node.ID{}, pack.Metadata{}, errors.E(errors.Missing)
	}

	_, err := Walk("f.txt", a, fetch)
	if !errors.Is(errors.Corrupt, err) {
		t.Fatalf("Walk on a cyclic chain: got %v, want Corrupt", err)
	}
}

func TestReconstructRejectsNonNullRootBase(t *testing.T) {
	bogus := []Link{{ID: node.Of([]byte("x"), node.Null, node.Null), Base: node.Of([]byte("y"), node.Null, node.Null), Delta: []byte("x")}}
	_, err := Reconstruct(bogus, func(base, delta []byte) ([]byte, error) { return delta, nil })
	if !errors.Is(errors.Corrupt, err) {
		t.Fatalf("Reconstruct with non-null root base: got %v, want Corrupt", err)
	}
}
