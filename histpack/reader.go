// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package histpack

import (
	"encoding/binary"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/mmap"

	"remotefilelog.io/errors"
	"remotefilelog.io/internal/fanidx"
	"remotefilelog.io/node"
)

const remapThreshold = 100 << 20

// Reader parses and serves lookups against one immutable, memory-mapped
// history-pack pair.
type Reader struct {
	dir  string
	base string

	mu      sync.RWMutex
	data    *mmap.ReaderAt
	idxFile *mmap.ReaderAt
	idx     *fanidx.Index
	version byte
	touched int64
}

// Open memory-maps the data and index files for base in dir.
func Open(dir, base string) (*Reader, error) {
	const op = "histpack.Open"
	r := &Reader{dir: dir, base: base}
	if err := r.remap(op); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) remap(op string) error {
	dataPath := filepath.Join(r.dir, r.base+".histpack")
	idxPath := filepath.Join(r.dir, r.base+".histidx")

	data, err := mmap.Open(dataPath)
	if err != nil {
		return errors.E(errors.Op(op), errors.Path(r.base), err)
	}
	idxFile, err := mmap.Open(idxPath)
	if err != nil {
		data.Close()
		return errors.E(errors.Op(op), errors.Path(r.base), err)
	}
	if data.Len() < 1 {
		data.Close()
		idxFile.Close()
		return errors.E(errors.Op(op), errors.Path(r.base), errors.Corrupt, errBadVersion)
	}
	var vbuf [1]byte
	if _, err := data.ReadAt(vbuf[:], 0); err != nil {
		data.Close()
		idxFile.Close()
		return errors.E(errors.Op(op), errors.Path(r.base), errors.Corrupt, err)
	}
	version := vbuf[0]
	if version > Version1 {
		data.Close()
		idxFile.Close()
		return errors.E(errors.Op(op), errors.Path(r.base), errors.Corrupt, errBadVersion)
	}
	idx, err := fanidx.Open(idxFile, int64(idxFile.Len()), op)
	if err != nil {
		data.Close()
		idxFile.Close()
		return err
	}

	r.mu.Lock()
	if r.data != nil {
		r.data.Close()
	}
	if r.idxFile != nil {
		r.idxFile.Close()
	}
	r.data = data
	r.idxFile = idxFile
	r.idx = idx
	r.version = version
	atomic.StoreInt64(&r.touched, 0)
	r.mu.Unlock()
	return nil
}

// Base returns the content-hash base name of this pack pair.
func (r *Reader) Base() string { return r.base }

// Close unmaps both files.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.data != nil {
		err = r.data.Close()
	}
	if r.idxFile != nil {
		if e := r.idxFile.Close(); err == nil {
			err = e
		}
	}
	return err
}

// OnEviction implements cache.EvictionNotifier.
func (r *Reader) OnEviction(key interface{}) {
	r.Close()
}

func (r *Reader) noteRead(n int) error {
	if atomic.AddInt64(&r.touched, int64(n)) > remapThreshold {
		return r.remap("histpack.Reader.remap")
	}
	return nil
}

// GetNodeInfo returns the ancestor record for (path, id).
func (r *Reader) GetNodeInfo(path string, id node.ID) (p1, p2, linknode node.ID, copyfrom string, err error) {
	const op = "histpack.Reader.GetNodeInfo"
	r.mu.RLock()
	off, found, err := r.idx.Lookup(id, op)
	r.mu.RUnlock()
	if err != nil {
		return node.ID{}, node.ID{}, node.ID{}, "", err
	}
	if !found {
		return node.ID{}, node.ID{}, node.ID{}, "", errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Missing)
	}
	e, n, err := r.readEntryAt(off, op)
	if err != nil {
		return node.ID{}, node.ID{}, node.ID{}, "", err
	}
	if e.Path != path {
		return node.ID{}, node.ID{}, node.ID{}, "", errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Corrupt, errors.Str("path mismatch at indexed offset"))
	}
	if err := r.noteRead(n); err != nil {
		return node.ID{}, node.ID{}, node.ID{}, "", err
	}
	return e.P1, e.P2, e.Linknode, e.Copyfrom, nil
}

// GetMissing returns the subset of keys for which this pack has no entry.
func (r *Reader) GetMissing(keys []node.Key) ([]node.Key, error) {
	var missing []node.Key
	for _, k := range keys {
		r.mu.RLock()
		_, found, err := r.idx.Lookup(k.ID, "histpack.Reader.GetMissing")
		r.mu.RUnlock()
		if err != nil {
			return nil, err
		}
		if !found {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

func (r *Reader) readEntryAt(off uint64, op string) (Entry, int, error) {
	r.mu.RLock()
	dataLen := r.data.Len()
	data := r.data
	r.mu.RUnlock()

	pos := int64(off)
	if pos+2 > int64(dataLen) {
		return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, errShortEntry)
	}
	var hdr [2]byte
	if _, err := data.ReadAt(hdr[:], pos); err != nil {
		return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, err)
	}
	pathLen := int64(binary.BigEndian.Uint16(hdr[:]))
	pos += 2
	if pos+pathLen+node.Size*4+2 > int64(dataLen) {
		return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, errShortEntry)
	}
	pathBuf := make([]byte, pathLen)
	if _, err := data.ReadAt(pathBuf, pos); err != nil {
		return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, err)
	}
	pos += pathLen

	var idBuf, p1Buf, p2Buf, linkBuf [node.Size]byte
	for _, b := range []*[node.Size]byte{&idBuf, &p1Buf, &p2Buf, &linkBuf} {
		if _, err := data.ReadAt(b[:], pos); err != nil {
			return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, err)
		}
		pos += node.Size
	}

	var cfLenBuf [2]byte
	if _, err := data.ReadAt(cfLenBuf[:], pos); err != nil {
		return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, err)
	}
	pos += 2
	cfLen := int64(binary.BigEndian.Uint16(cfLenBuf[:]))
	if pos+cfLen > int64(dataLen) {
		return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, errShortEntry)
	}
	cfBuf := make([]byte, cfLen)
	if cfLen > 0 {
		if _, err := data.ReadAt(cfBuf, pos); err != nil {
			return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, err)
		}
	}
	pos += cfLen

	var id, p1, p2, link node.ID
	copy(id[:], idBuf[:])
	copy(p1[:], p1Buf[:])
	copy(p2[:], p2Buf[:])
	copy(link[:], linkBuf[:])
	n := int(pos - int64(off))
	return Entry{Path: string(pathBuf), ID: id, P1: p1, P2: p2, Linknode: link, Copyfrom: string(cfBuf)}, n, nil
}

// MarkForRefresh is a no-op on an already-open immutable pack.
func (r *Reader) MarkForRefresh() {}

// All returns every entry in this pack, for the repack engine to fold
// into a fresh writer.
func (r *Reader) All() ([]Entry, error) {
	const op = "histpack.Reader.All"
	r.mu.RLock()
	idx := r.idx
	r.mu.RUnlock()
	offsets, err := idx.All(op)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(offsets))
	for _, no := range offsets {
		e, n, err := r.readEntryAt(no.Offset, op)
		if err != nil {
			return nil, err
		}
		if err := r.noteRead(n); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetAncestors performs a bounded graph walk from (path, id), crossing
// path boundaries only when a Copyfrom is set (§4.7). lookup is called for
// every node visited, including (path, id) itself, and should consult the
// same union this pack belongs to so renamed ancestors in other packs are
// found.
func GetAncestors(path string, id node.ID, maxDepth int, lookup func(path string, id node.ID) (p1, p2, linknode node.ID, copyfrom string, err error)) (map[node.Key]Entry, error) {
	const op = "histpack.GetAncestors"
	out := make(map[node.Key]Entry)
	type frame struct {
		path string
		id   node.ID
	}
	stack := []frame{{path, id}}
	for depth := 0; len(stack) > 0; depth++ {
		if depth > maxDepth {
			return nil, errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Corrupt, errors.Str("ancestor walk exceeded depth limit"))
		}
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		key := node.Key{Path: f.path, ID: f.id}
		if f.id.IsNull() {
			continue
		}
		if _, seen := out[key]; seen {
			continue
		}
		p1, p2, linknode, copyfrom, err := lookup(f.path, f.id)
		if err != nil {
			return nil, err
		}
		out[key] = Entry{Path: f.path, ID: f.id, P1: p1, P2: p2, Linknode: linknode, Copyfrom: copyfrom}
		p1Path, p2Path := f.path, f.path
		if copyfrom != "" {
			p1Path = copyfrom
		}
		if !p1.IsNull() {
			stack = append(stack, frame{p1Path, p1})
		}
		if !p2.IsNull() {
			stack = append(stack, frame{p2Path, p2})
		}
	}
	return out, nil
}
