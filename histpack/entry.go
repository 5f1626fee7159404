// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package histpack implements the history-pack binary format (§4.7): the
// same fanout+bisect file-layout discipline as package pack, keyed by
// (path, node) but storing ancestor records — (p1, p2, linknode,
// copyfrom) — instead of deltas.
package histpack // import "remotefilelog.io/histpack"

import (
	"remotefilelog.io/node"
)

// Version identifies the on-disk data/index format, shared with package
// pack's numbering for consistency across the two pack families.
const (
	Version0 byte = 0
	Version1 byte = 1
)

// Entry is one history-pack record: a key and its ancestor information.
// When Copyfrom is non-empty, P1 names a revision of Copyfrom, not of the
// entry's own Path (§3.1: this encodes renames).
type Entry struct {
	Path     string
	ID       node.ID
	P1       node.ID
	P2       node.ID
	Linknode node.ID
	Copyfrom string
}
