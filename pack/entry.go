// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pack implements the data-pack binary format (§4.1): an
// immutable, memory-mapped `(index, data)` file pair that maps
// `(path, node) → (delta-base, delta-bytes, metadata)`, plus the mutable
// in-memory writer (§4.2) that accumulates entries and flushes them into a
// fresh pack pair.
package pack // import "remotefilelog.io/pack"

import (
	"encoding/binary"

	"remotefilelog.io/node"
)

// Version identifies the on-disk data/index format. Version 0 carries no
// metadata section and is read-only legacy (§9); this implementation only
// ever writes Version1.
const (
	Version0 byte = 0
	Version1 byte = 1
)

// Reserved one-byte metadata keys (§3.1).
const (
	MetaFlag byte = 'f'
	MetaSize byte = 's'
)

// Metadata is a data entry's small key-value dictionary. Flag and Size are
// the two reserved keys; Extra preserves any keys this implementation does
// not interpret so a rewriting repack does not drop them (§3.1: "readers
// must preserve unknown keys on rewrite").
type Metadata struct {
	Flag  uint16
	Size  int64
	Extra map[byte][]byte
}

// Normalize returns a copy of m in the form a round trip through
// encode/decodeMetadata produces, so a caller can compare pre- and
// post-round-trip Metadata with reflect.DeepEqual (§8 round-trip law 1).
// decodeMetadata only ever allocates Extra when it decodes at least one
// unrecognized key, so a caller-constructed Metadata with a non-nil but
// empty Extra map would otherwise compare unequal to what Open/GetDelta
// returns for the same entry.
func (m Metadata) Normalize() Metadata {
	out := m
	if len(out.Extra) == 0 {
		out.Extra = nil
	}
	return out
}

// encode serializes m into the on-disk metadata list: a 4-byte byte length
// of the list is written by the caller; encode only produces the
// pairs themselves, each <1-byte key><2-byte BE length><value>.
func (m Metadata) encode() []byte {
	var buf []byte
	if m.Flag != 0 {
		buf = appendMetaItem(buf, MetaFlag, minimalBigEndian(uint64(m.Flag)))
	}
	if m.Size != 0 {
		buf = appendMetaItem(buf, MetaSize, minimalBigEndian(uint64(m.Size)))
	}
	// Extra keys are written in ascending key order for determinism.
	if len(m.Extra) > 0 {
		keys := make([]byte, 0, len(m.Extra))
		for k := range m.Extra {
			keys = append(keys, k)
		}
		sortBytes(keys)
		for _, k := range keys {
			buf = appendMetaItem(buf, k, m.Extra[k])
		}
	}
	return buf
}

func appendMetaItem(buf []byte, key byte, val []byte) []byte {
	buf = append(buf, key)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(val)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, val...)
	return buf
}

// EncodeMetadata serializes m into the on-disk/on-wire metadata item list
// shared by the pack format and the wire codec's opt-metadata section
// (§4.1, §4.9): zero or more `<1-byte key><2-byte BE length><value>`
// items. The caller is responsible for the surrounding length prefix.
func EncodeMetadata(m Metadata) []byte { return m.encode() }

// DecodeMetadata parses the item list produced by EncodeMetadata.
func DecodeMetadata(b []byte) (Metadata, error) { return decodeMetadata(b) }

func decodeMetadata(b []byte) (Metadata, error) {
	m := Metadata{}
	for len(b) > 0 {
		if len(b) < 3 {
			return m, errShortMetadata
		}
		key := b[0]
		vlen := binary.BigEndian.Uint16(b[1:3])
		b = b[3:]
		if len(b) < int(vlen) {
			return m, errShortMetadata
		}
		val := b[:vlen]
		b = b[vlen:]
		switch key {
		case MetaFlag:
			m.Flag = uint16(decodeBigEndian(val))
		case MetaSize:
			m.Size = int64(decodeBigEndian(val))
		default:
			if m.Extra == nil {
				m.Extra = make(map[byte][]byte)
			}
			m.Extra[key] = append([]byte(nil), val...)
		}
	}
	return m, nil
}

func minimalBigEndian(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var full [8]byte
	binary.BigEndian.PutUint64(full[:], v)
	i := 0
	for i < 7 && full[i] == 0 {
		i++
	}
	return full[i:]
}

func decodeBigEndian(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func sortBytes(b []byte) {
	for i := 1; i < len(b); i++ {
		for j := i; j > 0 && b[j-1] > b[j]; j-- {
			b[j-1], b[j] = b[j], b[j-1]
		}
	}
}

// Entry is one data-pack record: the key (path, node), its delta base
// (node.Null for a full text), the delta bytes, and metadata.
type Entry struct {
	Path      string
	ID        node.ID
	DeltaBase node.ID
	Delta     []byte
	Meta      Metadata
}
