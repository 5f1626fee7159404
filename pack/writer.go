// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pack

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"remotefilelog.io/errors"
	"remotefilelog.io/internal/fanidx"
	"remotefilelog.io/node"
)

// Writer accumulates data entries in memory and, on Flush, serializes them
// into a fresh, immutable pack pair (§4.2). While mutable it is itself a
// valid store: Add, GetDelta, and GetMissing all work against its
// in-memory state.
type Writer struct {
	mu      sync.Mutex
	entries []Entry
	byKey   map[node.Key]int
	flushed bool
}

// NewWriter returns an empty mutable pack writer.
func NewWriter() *Writer {
	return &Writer{byKey: make(map[node.Key]int)}
}

// Add records one entry. Calling Add after Flush panics: a flushed writer
// is retired, matching the pack pair's own immutability once published.
func (w *Writer) Add(path string, id, deltaBase node.ID, delta []byte, meta Metadata) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.flushed {
		panic("pack: Add called on a flushed Writer")
	}
	key := node.Key{Path: path, ID: id}
	e := Entry{Path: path, ID: id, DeltaBase: deltaBase, Delta: delta, Meta: meta}
	if i, ok := w.byKey[key]; ok {
		w.entries[i] = e
		return nil
	}
	w.byKey[key] = len(w.entries)
	w.entries = append(w.entries, e)
	return nil
}

// Len reports the number of distinct keys currently buffered.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// GetDelta returns the buffered delta for (path, id), satisfying the same
// surface a flushed Reader exposes (§4.2).
func (w *Writer) GetDelta(path string, id node.ID) (delta []byte, basePath string, baseID node.ID, meta Metadata, err error) {
	const op = "pack.Writer.GetDelta"
	w.mu.Lock()
	defer w.mu.Unlock()
	i, ok := w.byKey[node.Key{Path: path, ID: id}]
	if !ok {
		return nil, "", node.ID{}, Metadata{}, errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Missing)
	}
	e := w.entries[i]
	return e.Delta, path, e.DeltaBase, e.Meta, nil
}

// GetMissing returns the subset of keys not present in the writer.
func (w *Writer) GetMissing(keys []node.Key) ([]node.Key, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var missing []node.Key
	for _, k := range keys {
		if _, ok := w.byKey[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

// MarkForRefresh is a no-op: an in-memory writer has nothing on disk to
// rescan. It exists so Writer satisfies the same sub-store surface as a
// packset.Set.
func (w *Writer) MarkForRefresh() {}

// Flush serializes the buffered entries into dir as a fresh data/index
// pack pair, named by the content hash of the data file, and returns the
// base path (without extension). Flush is atomic at the pair level:
// readers either see both files or neither (§4.2).
func (w *Writer) Flush(dir string) (base string, err error) {
	const op = "pack.Writer.Flush"
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.flushed {
		return "", errors.E(errors.Op(op), errors.Internal, errors.Str("Flush called twice"))
	}

	dataTmp, err := ioutil.TempFile(dir, "pack-data-")
	if err != nil {
		return "", errors.E(errors.Op(op), err)
	}
	defer os.Remove(dataTmp.Name())
	defer dataTmp.Close()

	if _, err := dataTmp.Write([]byte{Version1}); err != nil {
		return "", errors.E(errors.Op(op), err)
	}

	offsets := make([]fanidx.NodeOffset, 0, len(w.entries))
	var pos uint64 = 1
	h := sha1.New()
	h.Write([]byte{Version1})
	for _, e := range w.entries {
		buf := encodeDataEntry(e)
		if _, err := dataTmp.Write(buf); err != nil {
			return "", errors.E(errors.Op(op), err)
		}
		h.Write(buf)
		offsets = append(offsets, fanidx.NodeOffset{ID: e.ID, Offset: pos})
		pos += uint64(len(buf))
	}
	if err := dataTmp.Sync(); err != nil {
		return "", errors.E(errors.Op(op), err)
	}
	if err := dataTmp.Close(); err != nil {
		return "", errors.E(errors.Op(op), err)
	}

	fanidx.SortNodeOffsets(offsets)
	idxTmp, err := ioutil.TempFile(dir, "pack-idx-")
	if err != nil {
		return "", errors.E(errors.Op(op), err)
	}
	defer os.Remove(idxTmp.Name())
	defer idxTmp.Close()
	if err := fanidx.Write(idxTmp, Version1, offsets); err != nil {
		return "", errors.E(errors.Op(op), err)
	}
	if err := idxTmp.Sync(); err != nil {
		return "", errors.E(errors.Op(op), err)
	}
	if err := idxTmp.Close(); err != nil {
		return "", errors.E(errors.Op(op), err)
	}

	base = fmt.Sprintf("%x", h.Sum(nil)[:16]) // 32 hex chars, per §6.1
	basePath := filepath.Join(dir, base)
	if err := os.Rename(dataTmp.Name(), basePath+".datapack"); err != nil {
		return "", errors.E(errors.Op(op), err)
	}
	if err := os.Rename(idxTmp.Name(), basePath+".dataidx"); err != nil {
		os.Remove(basePath + ".datapack")
		return "", errors.E(errors.Op(op), err)
	}
	w.flushed = true
	return base, nil
}

// encodeDataEntry serializes one entry in the §4.1 data-file layout.
func encodeDataEntry(e Entry) []byte {
	var buf bytes.Buffer
	var pathLen [2]byte
	binary.BigEndian.PutUint16(pathLen[:], uint16(len(e.Path)))
	buf.Write(pathLen[:])
	buf.WriteString(e.Path)
	buf.Write(e.ID[:])
	buf.Write(e.DeltaBase[:])
	var deltaLen [8]byte
	binary.BigEndian.PutUint64(deltaLen[:], uint64(len(e.Delta)))
	buf.Write(deltaLen[:])
	buf.Write(e.Delta)

	meta := e.Meta.encode()
	var metaLen [4]byte
	binary.BigEndian.PutUint32(metaLen[:], uint32(len(meta)))
	buf.Write(metaLen[:])
	buf.Write(meta)
	return buf.Bytes()
}
