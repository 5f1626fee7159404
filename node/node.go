// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package node provides the 20-byte content identifier used to address
// revisions throughout the pack-store core, and the hash function used to
// compute one from a reconstructed full text and its parents.
package node // import "remotefilelog.io/node"

import (
	"crypto/sha1"
	"fmt"

	"remotefilelog.io/errors"
)

// Size is the number of bytes in an ID.
const Size = 20

// Null is the all-zero node, the sentinel for "no revision": used for the
// delta base of a full-text entry, for an unset parent, and for an unset
// linknode.
var Null ID

// ID is a 20-byte content identifier. It is represented as an array so it
// can be compared with == and used directly as a map key.
type ID [Size]byte

var errIDFormat = errors.Str("bad node-id format")

// String returns the lowercase hexadecimal representation of id.
func (id ID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// IsNull reports whether id is the all-zero null node.
func (id ID) IsNull() bool {
	return id == Null
}

// Parse returns the ID whose hex representation is str.
func Parse(str string) (ID, error) {
	var id ID
	if len(str) != 2*Size {
		return id, errIDFormat
	}
	for i := range id {
		hi := unhex(str[2*i])
		lo := unhex(str[2*i+1])
		if hi == 0xff || lo == 0xff {
			return ID{}, errIDFormat
		}
		id[i] = hi<<4 | lo
	}
	return id, nil
}

func unhex(b byte) byte {
	switch {
	case '0' <= b && b <= '9':
		return b - '0'
	case 'a' <= b && b <= 'f':
		return 10 + b - 'a'
	case 'A' <= b && b <= 'F':
		return 10 + b - 'A'
	}
	return 0xff
}

// Of hashes a reconstructed full text together with its two parents the
// way the history format requires (§7's "hash of (reconstructed_full_text,
// p1, p2)"): the sorted parents, then the text.
func Of(text []byte, p1, p2 ID) ID {
	lo, hi := p1, p2
	if string(hi[:]) < string(lo[:]) {
		lo, hi = hi, lo
	}
	h := sha1.New()
	h.Write(lo[:])
	h.Write(hi[:])
	h.Write(text)
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// Key identifies one revision: a repository-relative path and its node-id.
// Keys are unique within a logical store (§3.1).
type Key struct {
	Path string
	ID   ID
}

func (k Key) String() string {
	return k.Path + "@" + k.ID.String()
}
