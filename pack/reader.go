// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pack

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

// remapThreshold is the number of data-file bytes a Reader will read
// before unmapping and remapping both files to release resident pages
// (§4.1: "on crossing a large threshold... it unmaps and remaps").
const remapThreshold = 100 << 20

// Reader parses and serves lookups against one immutable, memory-mapped
// pack pair (§4.1). It is safe for concurrent use.
type Reader struct {
	dir  string
	base string

	mu       sync.RWMutex
	data     *mmap.ReaderAt
	idxFile  *mmap.ReaderAt
	idx      *fanidx.Index
	version  byte
	touched  int64 // bytes read from data since the last remap
}

// Open memory-maps the data and index files for base (no extension) in
// dir and validates their headers.
func Open(dir, base string) (*Reader, error) {
	const op = "pack.Open"
	r := &Reader{dir: dir, base: base}
	if err := r.remap(op); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) remap(op string) error {
	dataPath := filepath.Join(r.dir, r.base+".datapack")
	idxPath := filepath.Join(r.dir, r.base+".dataidx")

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

// Base returns the content-hash base name (without extension) of this
// pack pair.
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

// OnEviction implements cache.EvictionNotifier so a pack-set's LRU closes
// the mmap when this reader falls off the back.
func (r *Reader) OnEviction(key interface{}) {
	r.Close()
}

func (r *Reader) noteRead(n int) error {
	if atomic.AddInt64(&r.touched, int64(n)) > remapThreshold {
		return r.remap("pack.Reader.remap")
	}
	return nil
}

// GetMissing returns the subset of keys for which this pack has no entry.
func (r *Reader) GetMissing(keys []node.Key) ([]node.Key, error) {
	var missing []node.Key
	for _, k := range keys {
		r.mu.RLock()
		_, found, err := r.idx.Lookup(k.ID, "pack.Reader.GetMissing")
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

// GetDelta looks up (path, id) and returns its delta, base key, and
// metadata. It returns a Missing error if id is not indexed, or a Corrupt
// error if the entry's bytes are inconsistent with the file length.
func (r *Reader) GetDelta(path string, id node.ID) (delta []byte, basePath string, baseID node.ID, meta Metadata, err error) {
	const op = "pack.Reader.GetDelta"
	r.mu.RLock()
	off, found, err := r.idx.Lookup(id, op)
	r.mu.RUnlock()
	if err != nil {
		return nil, "", node.ID{}, Metadata{}, err
	}
	if !found {
		return nil, "", node.ID{}, Metadata{}, errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Missing)
	}

	e, n, err := r.readEntryAt(off, op)
	if err != nil {
		return nil, "", node.ID{}, Metadata{}, err
	}
	if e.Path != path {
		// The index is keyed only by node; a node collision across
		// paths within one pack cannot happen per invariant 1, so
		// this indicates corruption.
		return nil, "", node.ID{}, Metadata{}, errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Corrupt, errors.Str("path mismatch at indexed offset"))
	}
	if err := r.noteRead(n); err != nil {
		return nil, "", node.ID{}, Metadata{}, err
	}
	return e.Delta, e.Path, e.DeltaBase, e.Meta, nil
}

// readEntryAt parses one data entry starting at byte offset off, returning
// the entry and the number of bytes consumed.
func (r *Reader) readEntryAt(off uint64, op string) (Entry, int, error) {
	r.mu.RLock()
	dataLen := r.data.Len()
	version := r.version
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
	if pos+pathLen+node.Size*2+8 > int64(dataLen) {
		return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, errShortEntry)
	}
	pathBuf := make([]byte, pathLen)
	if _, err := data.ReadAt(pathBuf, pos); err != nil {
		return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, err)
	}
	pos += pathLen

	var idBuf, baseBuf [node.Size]byte
	if _, err := data.ReadAt(idBuf[:], pos); err != nil {
		return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, err)
	}
	pos += node.Size
	if _, err := data.ReadAt(baseBuf[:], pos); err != nil {
		return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, err)
	}
	pos += node.Size

	var deltaLenBuf [8]byte
	if _, err := data.ReadAt(deltaLenBuf[:], pos); err != nil {
		return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, err)
	}
	pos += 8
	deltaLen := int64(binary.BigEndian.Uint64(deltaLenBuf[:]))
	if pos+deltaLen > int64(dataLen) {
		return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, errShortEntry)
	}
	delta := make([]byte, deltaLen)
	if deltaLen > 0 {
		if _, err := data.ReadAt(delta, pos); err != nil {
			return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, err)
		}
	}
	pos += deltaLen

	var meta Metadata
	if version >= Version1 {
		if pos+4 > int64(dataLen) {
			return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, errShortEntry)
		}
		var metaLenBuf [4]byte
		if _, err := data.ReadAt(metaLenBuf[:], pos); err != nil {
			return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, err)
		}
		pos += 4
		metaLen := int64(binary.BigEndian.Uint32(metaLenBuf[:]))
		if pos+metaLen > int64(dataLen) {
			return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, errShortEntry)
		}
		metaBuf := make([]byte, metaLen)
		if metaLen > 0 {
			if _, err := data.ReadAt(metaBuf, pos); err != nil {
				return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, err)
			}
		}
		pos += metaLen
		m, err := decodeMetadata(metaBuf)
		if err != nil {
			return Entry{}, 0, errors.E(errors.Op(op), errors.Corrupt, err)
		}
		meta = m
	}

	var id, base node.ID
	copy(id[:], idBuf[:])
	copy(base[:], baseBuf[:])
	n := int(pos - int64(off))
	return Entry{Path: string(pathBuf), ID: id, DeltaBase: base, Delta: delta, Meta: meta}, n, nil
}

// MarkForRefresh is a no-op on an already-open immutable pack; it exists
// so Reader satisfies the same sub-store surface packset/unionstore use.
func (r *Reader) MarkForRefresh() {}

// All returns every entry in this pack, for the repack engine to fold
// into a fresh writer.
func (r *Reader) All() ([]Entry, error) {
	const op = "pack.Reader.All"
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
