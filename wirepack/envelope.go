// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wirepack implements the on-wire shape used when the remote
// fallback collaborator fetches data (C9, §4.9): a protobuf envelope
// announcing the requested keys and the following stream's length, then
// the raw big-endian byte stream of file-parts with its own exact layout.
package wirepack // import "remotefilelog.io/wirepack"

import (
	"encoding/binary"
	"io"

	"github.com/golang/protobuf/proto"

	"remotefilelog.io/errors"
	"remotefilelog.io/node"
)

// EncodeRequest marshals keys into a RequestEnvelope.
func EncodeRequest(keys []node.Key) ([]byte, error) {
	const op = "wirepack.EncodeRequest"
	env := &RequestEnvelope{Keys: make([]*KeyProto, len(keys))}
	for i, k := range keys {
		env.Keys[i] = &KeyProto{Path: k.Path, Node: append([]byte(nil), k.ID[:]...)}
	}
	b, err := proto.Marshal(env)
	if err != nil {
		return nil, errors.E(errors.Op(op), err)
	}
	return b, nil
}

// DecodeRequest unmarshals a RequestEnvelope back into keys.
func DecodeRequest(b []byte) ([]node.Key, error) {
	const op = "wirepack.DecodeRequest"
	var env RequestEnvelope
	if err := proto.Unmarshal(b, &env); err != nil {
		return nil, errors.E(errors.Op(op), errors.Invalid, err)
	}
	keys := make([]node.Key, len(env.Keys))
	for i, k := range env.Keys {
		id, err := nodeFromBytes(k.Node)
		if err != nil {
			return nil, errors.E(errors.Op(op), errors.Invalid, err)
		}
		keys[i] = node.Key{Path: k.Path, ID: id}
	}
	return keys, nil
}

// EncodeStreamHeader marshals the length (in bytes) and format version of
// the raw stream that follows it on the wire.
func EncodeStreamHeader(length uint64, version uint32) ([]byte, error) {
	const op = "wirepack.EncodeStreamHeader"
	b, err := proto.Marshal(&StreamHeader{Length: length, Version: version})
	if err != nil {
		return nil, errors.E(errors.Op(op), err)
	}
	return b, nil
}

// DecodeStreamHeader unmarshals a StreamHeader.
func DecodeStreamHeader(b []byte) (length uint64, version uint32, err error) {
	const op = "wirepack.DecodeStreamHeader"
	var h StreamHeader
	if err := proto.Unmarshal(b, &h); err != nil {
		return 0, 0, errors.E(errors.Op(op), errors.Invalid, err)
	}
	return h.Length, h.Version, nil
}

// WriteStreamHeader frames a StreamHeader with a 4-byte big-endian length
// prefix and writes it to w, so a reader sharing a single io.Reader with
// the following raw stream (§4.9) can tell where the header ends without
// needing a separate message boundary. Length is the byte length of the
// raw stream that will follow.
func WriteStreamHeader(w io.Writer, length uint64, version int) error {
	const op = "wirepack.WriteStreamHeader"
	b, err := EncodeStreamHeader(length, uint32(version))
	if err != nil {
		return errors.E(errors.Op(op), err)
	}
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(b)))
	if _, err := w.Write(u32[:]); err != nil {
		return errors.E(errors.Op(op), err)
	}
	if _, err := w.Write(b); err != nil {
		return errors.E(errors.Op(op), err)
	}
	return nil
}

// ReadStreamHeader reads and decodes the framed StreamHeader written by
// WriteStreamHeader, leaving r positioned at the start of the raw stream
// that follows it.
func ReadStreamHeader(r io.Reader) (length uint64, version int, err error) {
	const op = "wirepack.ReadStreamHeader"
	var u32 [4]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return 0, 0, errors.E(errors.Op(op), errors.Corrupt, err)
	}
	n := binary.BigEndian.Uint32(u32[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, 0, errors.E(errors.Op(op), errors.Corrupt, err)
	}
	length, v, err := DecodeStreamHeader(b)
	if err != nil {
		return 0, 0, errors.E(errors.Op(op), err)
	}
	return length, int(v), nil
}

func nodeFromBytes(b []byte) (node.ID, error) {
	var id node.ID
	if len(b) != node.Size {
		return id, errors.E(errors.Invalid, errors.Str("wire key has wrong node length"))
	}
	copy(id[:], b)
	return id, nil
}
