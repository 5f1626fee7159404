// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package loose implements the per-(path, node) file-per-blob tier (§4.4):
// the initial landing place for revisions fetched from the remote, kept
// until repacked into a pack pair. It provides path-hash sharding,
// atomic writes, read-time validation, and size-bounded GC.
package loose // import "remotefilelog.io/loose"

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"remotefilelog.io/errors"
	"remotefilelog.io/node"
)

// header is the blob format's fixed magic line (§4.4).
const header = "v1\n"

// Ancestor is one ancestor record trailing a blob's text (§4.4).
type Ancestor struct {
	ID       node.ID
	P1       node.ID
	P2       node.ID
	Linknode node.ID
	Copyfrom string
}

// Blob is the decoded form of one loose file: a full text plus its own
// ancestor chain, as produced by the remote server.
type Blob struct {
	Path      string
	ID        node.ID
	Text      []byte
	Flag      uint16
	Ancestors []Ancestor // Ancestors[0] is always the blob's own (id, p1, p2, ...) record.
}

var (
	errBadHeader = errors.Str("loose: bad blob header")
	errShortBlob = errors.Str("loose: truncated blob")
)

// Encode serializes b in the §4.4 blob format.
func Encode(b Blob) []byte {
	var buf bytes.Buffer
	buf.WriteString(header)
	fmt.Fprintf(&buf, "s%d\n", len(b.Text))
	fmt.Fprintf(&buf, "f%d\n", b.Flag)
	buf.WriteByte(0)
	buf.Write(b.Text)
	for _, a := range b.Ancestors {
		buf.Write(a.ID[:])
		buf.Write(a.P1[:])
		buf.Write(a.P2[:])
		buf.Write(a.Linknode[:])
		var cfLen [2]byte
		binary.BigEndian.PutUint16(cfLen[:], uint16(len(a.Copyfrom)))
		buf.Write(cfLen[:])
		buf.WriteString(a.Copyfrom)
	}
	return buf.Bytes()
}

// Decode parses raw loose-file bytes into a Blob, checking only that the
// header is well-formed and the declared text size fits within the
// available bytes; hash verification is done separately by Validate.
func Decode(raw []byte) (Blob, error) {
	if len(raw) < len(header) || string(raw[:len(header)]) != header {
		return Blob{}, errBadHeader
	}
	rest := raw[len(header):]
	nul := bytes.IndexByte(rest, 0)
	if nul < 0 {
		return Blob{}, errBadHeader
	}
	keyLines := rest[:nul]
	rest = rest[nul+1:]

	var size int64 = -1
	var flag int64
	for _, line := range bytes.Split(keyLines, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		switch line[0] {
		case 's':
			fmt.Sscanf(string(line[1:]), "%d", &size)
		case 'f':
			fmt.Sscanf(string(line[1:]), "%d", &flag)
		}
	}
	if size < 0 {
		return Blob{}, errBadHeader
	}
	if int64(len(rest)) < size {
		return Blob{}, errShortBlob
	}
	text := rest[:size]
	rest = rest[size:]

	var ancestors []Ancestor
	for len(rest) > 0 {
		const fixed = node.Size * 4
		if len(rest) < fixed+2 {
			return Blob{}, errShortBlob
		}
		var a Ancestor
		copy(a.ID[:], rest[0:node.Size])
		copy(a.P1[:], rest[node.Size:2*node.Size])
		copy(a.P2[:], rest[2*node.Size:3*node.Size])
		copy(a.Linknode[:], rest[3*node.Size:4*node.Size])
		rest = rest[fixed:]
		cfLen := int64(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		if int64(len(rest)) < cfLen {
			return Blob{}, errShortBlob
		}
		a.Copyfrom = string(rest[:cfLen])
		rest = rest[cfLen:]
		ancestors = append(ancestors, a)
	}
	if len(ancestors) == 0 {
		return Blob{}, errBadHeader
	}
	return Blob{Text: text, Flag: uint16(flag), Ancestors: ancestors, ID: ancestors[0].ID}, nil
}

// Validate checks that b's own ancestor record names id and that the hash
// of (text, p1, p2) for that record equals id (§4.4, §7's
// hash-verification integrity check). The header-size check is done by
// Decode. Both checks run regardless of config. Store.Get calls Validate
// on every read; config.ValidateCache is not consulted.
func Validate(b Blob, id node.ID) error {
	const op = "loose.Validate"
	if len(b.Ancestors) == 0 {
		return errors.E(errors.Op(op), errors.Ref(id[:]), errors.Corrupt, errors.Str("blob has no ancestor record"))
	}
	own := b.Ancestors[0]
	if own.ID != id {
		return errors.E(errors.Op(op), errors.Ref(id[:]), errors.Corrupt, errors.Str("blob's own ancestor record does not match requested node"))
	}
	got := node.Of(b.Text, own.P1, own.P2)
	if got != id {
		return errors.E(errors.Op(op), errors.Ref(id[:]), errors.Corrupt, errors.Str("hash mismatch"))
	}
	return nil
}

// PathHash returns the on-disk shard path for path: the hex SHA-1 digest
// of path, split into a two-character directory and the remaining
// thirty-eight characters as a subdirectory (§4.4).
func PathHash(path string) (dir, sub string) {
	sum := sha1.Sum([]byte(path))
	h := hex.EncodeToString(sum[:])
	return h[:2], h[2:]
}
