// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wirepack

import (
	"bufio"
	"encoding/binary"
	"io"

	"remotefilelog.io/errors"
	"remotefilelog.io/histpack"
	"remotefilelog.io/node"
	"remotefilelog.io/pack"
)

// Version2 is the first stream version carrying the opt-metadata section
// (§4.9). Version1 streams omit it entirely.
const (
	Version1 = 1
	Version2 = 2
)

// terminatorLen is the length of the all-NUL terminator that ends a
// stream (§4.9).
const terminatorLen = 10

// HistEntry is one history-section record within a FilePart.
type HistEntry struct {
	ID       node.ID
	P1       node.ID
	P2       node.ID
	Linknode node.ID
	Copyfrom string
}

// DataEntry is one data-section record within a FilePart.
type DataEntry struct {
	ID        node.ID
	DeltaBase node.ID
	Delta     []byte
	Meta      pack.Metadata
}

// FilePart is one complete path's worth of history and data entries
// within a wire stream.
type FilePart struct {
	Path    string
	History []HistEntry
	Data    []DataEntry
}

// EncodeStream writes parts followed by the terminator to w, using version
// to decide whether opt-metadata is emitted (§4.9).
func EncodeStream(w io.Writer, parts []FilePart, version int) error {
	const op = "wirepack.EncodeStream"
	bw := bufio.NewWriter(w)
	for _, p := range parts {
		if err := encodeFilePart(bw, p, version); err != nil {
			return errors.E(errors.Op(op), errors.Path(p.Path), err)
		}
	}
	if _, err := bw.Write(make([]byte, terminatorLen)); err != nil {
		return errors.E(errors.Op(op), err)
	}
	return bw.Flush()
}

func encodeFilePart(w *bufio.Writer, p FilePart, version int) error {
	if len(p.Path) > 0xFFFF {
		return errors.Str("wirepack: path too long")
	}
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(p.Path)))
	if _, err := w.Write(u16[:]); err != nil {
		return err
	}
	if _, err := w.WriteString(p.Path); err != nil {
		return err
	}

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(p.History)))
	if _, err := w.Write(u32[:]); err != nil {
		return err
	}
	for _, h := range p.History {
		if _, err := w.Write(h.ID[:]); err != nil {
			return err
		}
		if _, err := w.Write(h.P1[:]); err != nil {
			return err
		}
		if _, err := w.Write(h.P2[:]); err != nil {
			return err
		}
		if _, err := w.Write(h.Linknode[:]); err != nil {
			return err
		}
		binary.BigEndian.PutUint16(u16[:], uint16(len(h.Copyfrom)))
		if _, err := w.Write(u16[:]); err != nil {
			return err
		}
		if _, err := w.WriteString(h.Copyfrom); err != nil {
			return err
		}
	}

	binary.BigEndian.PutUint32(u32[:], uint32(len(p.Data)))
	if _, err := w.Write(u32[:]); err != nil {
		return err
	}
	for _, d := range p.Data {
		if _, err := w.Write(d.ID[:]); err != nil {
			return err
		}
		if _, err := w.Write(d.DeltaBase[:]); err != nil {
			return err
		}
		var u64 [8]byte
		binary.BigEndian.PutUint64(u64[:], uint64(len(d.Delta)))
		if _, err := w.Write(u64[:]); err != nil {
			return err
		}
		if _, err := w.Write(d.Delta); err != nil {
			return err
		}
		if version >= Version2 {
			metaBytes := pack.EncodeMetadata(d.Meta)
			binary.BigEndian.PutUint32(u32[:], uint32(len(metaBytes)))
			if _, err := w.Write(u32[:]); err != nil {
				return err
			}
			if _, err := w.Write(metaBytes); err != nil {
				return err
			}
		}
	}
	return nil
}

func readFull(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readNode(r io.Reader) (node.ID, error) {
	var id node.ID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return id, err
	}
	return id, nil
}

func readU16(r io.Reader) (uint16, error) {
	b, err := readFull(r, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func readU32(r io.Reader) (uint32, error) {
	b, err := readFull(r, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func readU64(r io.Reader) (uint64, error) {
	b, err := readFull(r, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// DecodeStream reads a wire stream from r and feeds every entry into
// dataWriter/histWriter as soon as it is parsed. The decoder itself holds
// one entry at a time; the writers keep every entry in memory until they
// are flushed. Either writer may be nil to skip that section's entries.
func DecodeStream(r io.Reader, version int, dataWriter *pack.Writer, histWriter *histpack.Writer) error {
	const op = "wirepack.DecodeStream"
	br := bufio.NewReader(r)

	for {
		peek, err := br.Peek(2)
		if err != nil {
			return errors.E(errors.Op(op), errors.Corrupt, err)
		}
		if isTerminator(br, peek) {
			term := make([]byte, terminatorLen)
			if _, err := io.ReadFull(br, term); err != nil {
				return errors.E(errors.Op(op), errors.Corrupt, err)
			}
			for _, c := range term {
				if c != 0 {
					return errors.E(errors.Op(op), errors.Corrupt, errors.Str("malformed terminator"))
				}
			}
			return nil
		}

		pathLen, err := readU16(br)
		if err != nil {
			return errors.E(errors.Op(op), errors.Corrupt, err)
		}
		pathBuf, err := readFull(br, int(pathLen))
		if err != nil {
			return errors.E(errors.Op(op), errors.Corrupt, err)
		}
		path := string(pathBuf)

		histCount, err := readU32(br)
		if err != nil {
			return errors.E(errors.Op(op), errors.Path(path), errors.Corrupt, err)
		}
		for i := uint32(0); i < histCount; i++ {
			id, err := readNode(br)
			if err != nil {
				return errors.E(errors.Op(op), errors.Path(path), errors.Corrupt, err)
			}
			p1, err := readNode(br)
			if err != nil {
				return errors.E(errors.Op(op), errors.Path(path), errors.Corrupt, err)
			}
			p2, err := readNode(br)
			if err != nil {
				return errors.E(errors.Op(op), errors.Path(path), errors.Corrupt, err)
			}
			link, err := readNode(br)
			if err != nil {
				return errors.E(errors.Op(op), errors.Path(path), errors.Corrupt, err)
			}
			cfLen, err := readU16(br)
			if err != nil {
				return errors.E(errors.Op(op), errors.Path(path), errors.Corrupt, err)
			}
			cfBuf, err := readFull(br, int(cfLen))
			if err != nil {
				return errors.E(errors.Op(op), errors.Path(path), errors.Corrupt, err)
			}
			if histWriter != nil {
				if err := histWriter.Add(path, id, p1, p2, link, string(cfBuf)); err != nil {
					return errors.E(errors.Op(op), errors.Path(path), err)
				}
			}
		}

		dataCount, err := readU32(br)
		if err != nil {
			return errors.E(errors.Op(op), errors.Path(path), errors.Corrupt, err)
		}
		for i := uint32(0); i < dataCount; i++ {
			id, err := readNode(br)
			if err != nil {
				return errors.E(errors.Op(op), errors.Path(path), errors.Corrupt, err)
			}
			base, err := readNode(br)
			if err != nil {
				return errors.E(errors.Op(op), errors.Path(path), errors.Corrupt, err)
			}
			deltaLen, err := readU64(br)
			if err != nil {
				return errors.E(errors.Op(op), errors.Path(path), errors.Corrupt, err)
			}
			delta, err := readFull(br, int(deltaLen))
			if err != nil {
				return errors.E(errors.Op(op), errors.Path(path), errors.Corrupt, err)
			}
			var meta pack.Metadata
			if version >= Version2 {
				metaLen, err := readU32(br)
				if err != nil {
					return errors.E(errors.Op(op), errors.Path(path), errors.Corrupt, err)
				}
				metaBuf, err := readFull(br, int(metaLen))
				if err != nil {
					return errors.E(errors.Op(op), errors.Path(path), errors.Corrupt, err)
				}
				meta, err = pack.DecodeMetadata(metaBuf)
				if err != nil {
					return errors.E(errors.Op(op), errors.Path(path), errors.Corrupt, err)
				}
			}
			if dataWriter != nil {
				if err := dataWriter.Add(path, id, base, delta, meta); err != nil {
					return errors.E(errors.Op(op), errors.Path(path), err)
				}
			}
		}
	}
}

// isTerminator peeks ahead to see whether the stream has reached the
// ten-NUL-byte terminator rather than another file-part's path length
// prefix. A real path-length prefix is never the two-byte run 0x00 0x00
// followed by eight more NUL bytes, since an empty path is not a valid
// file-part; the terminator is the only zero-length run this long.
func isTerminator(br *bufio.Reader, firstTwo []byte) bool {
	if firstTwo[0] != 0 || firstTwo[1] != 0 {
		return false
	}
	rest, err := br.Peek(terminatorLen)
	if err != nil {
		return false
	}
	for _, c := range rest {
		if c != 0 {
			return false
		}
	}
	return true
}
