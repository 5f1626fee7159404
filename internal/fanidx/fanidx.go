// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fanidx implements the fanout+bisect index file shared by the
// data pack and history pack formats (§4.1, §4.7): both key their index
// entries by a 20-byte node followed by an 8-byte big-endian offset into
// the companion data file, so the fanout table, sentinel handling, and
// bisect lookup are identical between the two and live here once.
package fanidx // import "remotefilelog.io/internal/fanidx"

import (
	"encoding/binary"
	"io"
	"sort"

	"remotefilelog.io/errors"
	"remotefilelog.io/node"
)

// SmallFanoutCutoff is the entry count above which a large fanout table is
// used instead of a small one (§4.1: "threshold to use large fanout is
// entry count > 2^16 / 8").
const SmallFanoutCutoff = (1 << 16) / 8

const (
	smallFanoutEntries = 1 << 8
	largeFanoutEntries = 1 << 16
	largeFanoutBit     = 0x80

	// entrySize is the fixed length of one index entry: a 20-byte node
	// plus an 8-byte big-endian offset into the data file.
	entrySize = node.Size + 8

	// sentinel marks a fanout slot with no entries yet assigned to it.
	sentinel = 0xFFFFFFFF
)

// NodeOffset pairs a node with its data-file offset, the unit the index
// writer accepts one entry at a time.
type NodeOffset struct {
	ID     node.ID
	Offset uint64
}

// byNode sorts NodeOffset ascending by node, the order the index requires.
type byNode []NodeOffset

func (s byNode) Len() int      { return len(s) }
func (s byNode) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byNode) Less(i, j int) bool {
	return string(s[i].ID[:]) < string(s[j].ID[:])
}

// SortNodeOffsets sorts entries ascending by node in place, the order
// Write requires.
func SortNodeOffsets(entries []NodeOffset) {
	sort.Sort(byNode(entries))
}

// Write serializes entries (already sorted by SortNodeOffsets) as an index
// file of the given version (0 or 1) to w.
func Write(w io.Writer, version byte, entries []NodeOffset) error {
	large := len(entries) > SmallFanoutCutoff
	fanoutSize := smallFanoutEntries
	config := byte(0)
	if large {
		fanoutSize = largeFanoutEntries
		config = largeFanoutBit
	}

	header := []byte{version, config}
	if version >= 1 {
		var countBuf [8]byte
		binary.BigEndian.PutUint64(countBuf[:], uint64(len(entries)))
		header = append(header, countBuf[:]...)
	}
	if _, err := w.Write(header); err != nil {
		return err
	}

	fanout := make([]uint32, fanoutSize)
	for i := range fanout {
		fanout[i] = sentinel
	}
	for i, e := range entries {
		p := prefix(e.ID, large, fanoutSize)
		if fanout[p] == sentinel {
			fanout[p] = uint32(i * entrySize)
		}
	}
	fanoutBuf := make([]byte, 4*fanoutSize)
	for i, v := range fanout {
		binary.BigEndian.PutUint32(fanoutBuf[4*i:], v)
	}
	if _, err := w.Write(fanoutBuf); err != nil {
		return err
	}

	entryBuf := make([]byte, entrySize)
	for _, e := range entries {
		copy(entryBuf, e.ID[:])
		binary.BigEndian.PutUint64(entryBuf[node.Size:], e.Offset)
		if _, err := w.Write(entryBuf); err != nil {
			return err
		}
	}
	return nil
}

func prefix(id node.ID, large bool, fanoutSize int) int {
	if large {
		return int(id[0])<<8 | int(id[1])
	}
	_ = fanoutSize
	return int(id[0])
}

// Index is a parsed, fanout-forward-filled index file ready for lookups.
type Index struct {
	r            io.ReaderAt
	version      byte
	large        bool
	fanoutSize   int
	fanout       []uint32 // forward-filled: every slot is a real start offset
	entriesStart int64
	count        int64
}

// Open parses the index file read through r, whose total length is size.
// It validates that the file is at least as long as the header, fanout
// table, and entries region imply; any shortfall is reported as a corrupt
// pack error.
func Open(r io.ReaderAt, size int64, op string) (*Index, error) {
	if size < 2 {
		return nil, errors.E(errors.Op(op), errors.Corrupt, errors.Str("index file too short"))
	}
	var hdr [10]byte
	if _, err := r.ReadAt(hdr[:2], 0); err != nil {
		return nil, errors.E(errors.Op(op), errors.Corrupt, err)
	}
	version := hdr[0]
	if version > 1 {
		return nil, errors.E(errors.Op(op), errors.Corrupt, errors.Errorf("unsupported index version %d", version))
	}
	large := hdr[1]&largeFanoutBit != 0
	fanoutSize := smallFanoutEntries
	if large {
		fanoutSize = largeFanoutEntries
	}

	headerLen := int64(2)
	var count int64 = -1
	if version >= 1 {
		headerLen = 10
		if size < headerLen {
			return nil, errors.E(errors.Op(op), errors.Corrupt, errors.Str("index file too short for header"))
		}
		if _, err := r.ReadAt(hdr[2:10], 2); err != nil {
			return nil, errors.E(errors.Op(op), errors.Corrupt, err)
		}
		count = int64(binary.BigEndian.Uint64(hdr[2:10]))
	}

	fanoutBytes := int64(4 * fanoutSize)
	entriesStart := headerLen + fanoutBytes
	if size < entriesStart {
		return nil, errors.E(errors.Op(op), errors.Corrupt, errors.Str("index file shorter than its fanout table"))
	}

	fanoutBuf := make([]byte, fanoutBytes)
	if _, err := r.ReadAt(fanoutBuf, headerLen); err != nil {
		return nil, errors.E(errors.Op(op), errors.Corrupt, err)
	}
	fanout := make([]uint32, fanoutSize)
	for i := range fanout {
		fanout[i] = binary.BigEndian.Uint32(fanoutBuf[4*i:])
	}
	// Forward-fill sentinels (§4.1): an unset slot inherits the nearest
	// preceding filled value. Lookup takes a slot's upper bound from the
	// next slot holding a different value.
	var prev uint32
	for i := range fanout {
		if fanout[i] == sentinel {
			fanout[i] = prev
		} else {
			prev = fanout[i]
		}
	}

	if count < 0 {
		// Legacy version-0 index: derive the entry count from the
		// remaining file length.
		remaining := size - entriesStart
		if remaining%entrySize != 0 {
			return nil, errors.E(errors.Op(op), errors.Corrupt, errors.Str("index entries region is not a multiple of entry size"))
		}
		count = remaining / entrySize
	} else if size < entriesStart+count*entrySize {
		return nil, errors.E(errors.Op(op), errors.Corrupt, errors.Str("index file shorter than its recorded entry count implies"))
	}

	return &Index{
		r:            r,
		version:      version,
		large:        large,
		fanoutSize:   fanoutSize,
		fanout:       fanout,
		entriesStart: entriesStart,
		count:        count,
	}, nil
}

// Count returns the number of entries in the index.
func (x *Index) Count() int64 { return x.count }

// entryAt reads the node and offset of the entry at position i.
func (x *Index) entryAt(i int64) (node.ID, uint64, error) {
	buf := make([]byte, entrySize)
	if _, err := x.r.ReadAt(buf, x.entriesStart+i*entrySize); err != nil {
		return node.ID{}, 0, err
	}
	var id node.ID
	copy(id[:], buf[:node.Size])
	off := binary.BigEndian.Uint64(buf[node.Size:])
	return id, off, nil
}

// Lookup returns the data-file offset recorded for id, and whether id was
// found. Any I/O or bounds problem while reading the entries is reported
// as a corrupt pack error rather than panicking.
func (x *Index) Lookup(id node.ID, op string) (offset uint64, found bool, err error) {
	p := prefix(id, x.large, x.fanoutSize)
	start := x.fanout[p]
	lo := int64(start) / entrySize
	hi := x.count
	for i := p + 1; i < len(x.fanout); i++ {
		if x.fanout[i] != start {
			hi = int64(x.fanout[i]) / entrySize
			break
		}
	}
	for lo < hi {
		mid := (lo + hi) / 2
		midID, midOff, err := x.entryAt(mid)
		if err != nil {
			return 0, false, errors.E(errors.Op(op), errors.Corrupt, err)
		}
		switch {
		case midID == id:
			return midOff, true, nil
		case string(midID[:]) < string(id[:]):
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return 0, false, nil
}

// All returns every (node, offset) pair in ascending node order, used by
// repack to enumerate a source pack's index without re-deriving fanout
// bounds.
func (x *Index) All(op string) ([]NodeOffset, error) {
	out := make([]NodeOffset, 0, x.count)
	for i := int64(0); i < x.count; i++ {
		id, off, err := x.entryAt(i)
		if err != nil {
			return nil, errors.E(errors.Op(op), errors.Corrupt, err)
		}
		out = append(out, NodeOffset{ID: id, Offset: off})
	}
	return out, nil
}
