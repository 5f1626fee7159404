// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package histpack

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

// Writer accumulates history entries in memory and, on Flush, serializes
// them into a fresh history-pack pair (§4.7, same discipline as §4.2).
type Writer struct {
	mu      sync.Mutex
	entries []Entry
	byKey   map[node.Key]int
	flushed bool
}

// NewWriter returns an empty mutable history-pack writer.
func NewWriter() *Writer {
	return &Writer{byKey: make(map[node.Key]int)}
}

// Add records one ancestor entry for key (path, id).
func (w *Writer) Add(path string, id, p1, p2, linknode node.ID, copyfrom string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.flushed {
		panic("histpack: Add called on a flushed Writer")
	}
	key := node.Key{Path: path, ID: id}
	e := Entry{Path: path, ID: id, P1: p1, P2: p2, Linknode: linknode, Copyfrom: copyfrom}
	if i, ok := w.byKey[key]; ok {
		w.entries[i] = e
		return nil
	}
	w.byKey[key] = len(w.entries)
	w.entries = append(w.entries, e)
	return nil
}

// Len reports the number of distinct keys buffered.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// GetNodeInfo returns the buffered ancestor record for (path, id).
func (w *Writer) GetNodeInfo(path string, id node.ID) (p1, p2, linknode node.ID, copyfrom string, err error) {
	const op = "histpack.Writer.GetNodeInfo"
	w.mu.Lock()
	defer w.mu.Unlock()
	i, ok := w.byKey[node.Key{Path: path, ID: id}]
	if !ok {
		return node.ID{}, node.ID{}, node.ID{}, "", errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Missing)
	}
	e := w.entries[i]
	return e.P1, e.P2, e.Linknode, e.Copyfrom, nil
}

// MarkForRefresh is a no-op; present so Writer matches the sub-store
// surface packset/unionstore use.
func (w *Writer) MarkForRefresh() {}

// Flush serializes the buffered entries into dir as a fresh history
// data/index pack pair, named by the content hash of the data file.
func (w *Writer) Flush(dir string) (base string, err error) {
	const op = "histpack.Writer.Flush"
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.flushed {
		return "", errors.E(errors.Op(op), errors.Internal, errors.Str("Flush called twice"))
	}

	dataTmp, err := ioutil.TempFile(dir, "histpack-data-")
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
		buf := encodeHistEntry(e)
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
	idxTmp, err := ioutil.TempFile(dir, "histpack-idx-")
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

	base = fmt.Sprintf("%x", h.Sum(nil)[:16])
	basePath := filepath.Join(dir, base)
	if err := os.Rename(dataTmp.Name(), basePath+".histpack"); err != nil {
		return "", errors.E(errors.Op(op), err)
	}
	if err := os.Rename(idxTmp.Name(), basePath+".histidx"); err != nil {
		os.Remove(basePath + ".histpack")
		return "", errors.E(errors.Op(op), err)
	}
	w.flushed = true
	return base, nil
}

func encodeHistEntry(e Entry) []byte {
	var buf bytes.Buffer
	var pathLen [2]byte
	binary.BigEndian.PutUint16(pathLen[:], uint16(len(e.Path)))
	buf.Write(pathLen[:])
	buf.WriteString(e.Path)
	buf.Write(e.ID[:])
	buf.Write(e.P1[:])
	buf.Write(e.P2[:])
	buf.Write(e.Linknode[:])
	var cfLen [2]byte
	binary.BigEndian.PutUint16(cfLen[:], uint16(len(e.Copyfrom)))
	buf.Write(cfLen[:])
	buf.WriteString(e.Copyfrom)
	return buf.Bytes()
}
