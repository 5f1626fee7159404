// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loose

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"time"

	"remotefilelog.io/errors"
	"remotefilelog.io/log"
	"remotefilelog.io/node"
	"remotefilelog.io/pack"
)

// keepWindow is the "touched within 24 hours" GC grace period (§4.4, §9:
// the newer of the two source branches' GC heuristics).
const keepWindow = 24 * time.Hour

// Store is a loose-file blob tier rooted at a directory. Cached marks a
// shared-cache tier, whose corruption-recovery policy renames bad files
// to *.corrupt and reports them as missing rather than surfacing the
// corruption to the caller (§7).
type Store struct {
	root        string
	Cached      bool
	GroupSticky bool // set-group-id + group-write new directories (§5)
}

// New returns a loose-file store rooted at root. It does not create the
// directory; Put creates the shard directories it writes into.
func New(root string, cached bool) *Store {
	return &Store{root: root, Cached: cached}
}

// Locator identifies a loose entry for GC's keep-set, by path-hash rather
// than logical path (§4.4: "its (path-hash, node) in a supplied
// keep-set").
type Locator struct {
	Hash string // the 40 hex characters produced by PathHash's dir+sub
	ID   node.ID
}

func (s *Store) shardDir(path string) string {
	dir, sub := PathHash(path)
	return filepath.Join(s.root, dir, sub)
}

func (s *Store) blobPath(path string, id node.ID) string {
	return filepath.Join(s.shardDir(path), id.String())
}

func (s *Store) filenamePath(path string) string {
	return filepath.Join(s.shardDir(path), "filename")
}

func (s *Store) mkdirAll(dir string) error {
	mode := os.FileMode(0755)
	if s.GroupSticky {
		mode = 0775 | os.ModeSetgid
	}
	if err := os.MkdirAll(dir, mode); err != nil {
		return err
	}
	if s.GroupSticky {
		return os.Chmod(dir, mode)
	}
	return nil
}

// Put writes b as the loose entry for (path, id) via temp-file + rename,
// then marks the file read-only (§4.4). The sibling "filename" file is
// (re)written so GC's reverse lookup can recover the logical path.
func (s *Store) Put(path string, b Blob) error {
	const op = "loose.Store.Put"
	dir := s.shardDir(path)
	if err := s.mkdirAll(dir); err != nil {
		return errors.E(errors.Op(op), errors.Path(path), err)
	}

	data := Encode(b)
	tmp, err := ioutil.TempFile(dir, "blob-")
	if err != nil {
		return errors.E(errors.Op(op), errors.Path(path), err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.E(errors.Op(op), errors.Path(path), err)
	}
	if err := tmp.Close(); err != nil {
		return errors.E(errors.Op(op), errors.Path(path), err)
	}
	if err := os.Chmod(tmp.Name(), 0444); err != nil {
		return errors.E(errors.Op(op), errors.Path(path), err)
	}
	if err := os.Rename(tmp.Name(), s.blobPath(path, b.ID)); err != nil {
		return errors.E(errors.Op(op), errors.Path(path), err)
	}

	if err := ioutil.WriteFile(s.filenamePath(path), []byte(path), 0644); err != nil {
		log.Error.Printf("loose: writing filename sibling for %s: %v", path, err)
	}
	return nil
}

// Get reads, decodes, and validates the loose entry for (path, id).
//
// Validation failure on a cached tier renames the file to *.corrupt and
// reports Missing; on a non-cache (local) tier it reports Corrupt, since
// local data loss is typically unrecoverable and must be surfaced (§4.4,
// §7).
func (s *Store) Get(path string, id node.ID) (Blob, error) {
	const op = "loose.Store.Get"
	p := s.blobPath(path, id)
	raw, err := ioutil.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return Blob{}, errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Missing)
		}
		return Blob{}, errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), err)
	}
	if len(raw) == 0 {
		// §9: an empty loose file is deleted and reported, not
		// treated as silent success.
		os.Remove(p)
		return Blob{}, errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Missing)
	}

	b, err := Decode(raw)
	if err == nil {
		b.Path = path
		err = Validate(b, id)
	}
	if err != nil {
		return s.handleCorrupt(op, path, id, p, err)
	}
	return b, nil
}

func (s *Store) handleCorrupt(op, path string, id node.ID, p string, cause error) (Blob, error) {
	if s.Cached {
		if err := os.Rename(p, p+".corrupt"); err != nil && !os.IsNotExist(err) {
			log.Error.Printf("loose: renaming corrupt file %s: %v", p, err)
		}
		log.Error.Printf("loose: corrupt entry %s@%x: %v", path, id, cause)
		return Blob{}, errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Missing)
	}
	return Blob{}, errors.E(errors.Op(op), errors.Path(path), errors.Ref(id[:]), errors.Corrupt, cause)
}

// GetMissing returns the subset of keys with no readable loose entry.
func (s *Store) GetMissing(keys []node.Key) ([]node.Key, error) {
	var missing []node.Key
	for _, k := range keys {
		if _, err := os.Stat(s.blobPath(k.Path, k.ID)); err != nil {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

// MarkForRefresh is a no-op: a loose store has no LRU of open handles to
// rescan. It exists so Store matches the sub-store surface other
// components use.
func (s *Store) MarkForRefresh() {}

// GetDelta reports a loose entry as a delta-chain root: the full text with
// a null delta base and no metadata extras. Loose entries never carry a
// base, so this lets a union store treat loose.Store as just another
// unionstore.DataStore alongside pack.Reader/pack.Writer.
func (s *Store) GetDelta(path string, id node.ID) (delta []byte, basePath string, baseID node.ID, meta pack.Metadata, err error) {
	b, err := s.Get(path, id)
	if err != nil {
		return nil, "", node.ID{}, pack.Metadata{}, err
	}
	return b.Text, "", node.Null, pack.Metadata{Flag: b.Flag}, nil
}

// GC walks the store, deleting any non-pack file that was neither touched
// within the last 24 hours nor named in keep, then — while the remaining
// total size exceeds limit — deletes files in ascending atime order
// (§4.4). "filename" sibling files and files whose names are not a node
// hex (such as *.corrupt files) are never deleted by GC and are not
// counted against limit or the keep-set; emptied shard directories are
// left in place.
func (s *Store) GC(keep map[Locator]bool, limit int64) error {
	const op = "loose.Store.GC"
	now := time.Now()

	var survivors []os.FileInfo
	var survivorPaths []string
	var total int64

	err := filepath.Walk(s.root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		base := filepath.Base(p)
		if base == "filename" {
			return nil
		}
		rel, _ := filepath.Rel(s.root, filepath.Dir(p))
		hash := filepath.ToSlash(rel)
		hash = removeSlash(hash)
		id, err := node.Parse(base)
		if err != nil {
			// Not a node-hex filename (e.g. an already-.corrupt
			// file); leave it for a human to clean up.
			return nil
		}
		loc := Locator{Hash: hash, ID: id}

		keepRecent := atime(fi).Add(keepWindow).After(now)
		if keepRecent || keep[loc] {
			survivors = append(survivors, fi)
			survivorPaths = append(survivorPaths, p)
			total += fi.Size()
			return nil
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Error.Printf("loose: GC removing %s: %v", p, err)
		}
		return nil
	})
	if err != nil {
		return errors.E(errors.Op(op), err)
	}

	if total <= limit {
		return nil
	}

	order := make([]int, len(survivors))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return atime(survivors[order[a]]).Before(atime(survivors[order[b]]))
	})
	for _, i := range order {
		if total <= limit {
			break
		}
		if err := os.Remove(survivorPaths[i]); err != nil {
			if !os.IsNotExist(err) {
				log.Error.Printf("loose: GC removing %s: %v", survivorPaths[i], err)
			}
			continue
		}
		total -= survivors[i].Size()
	}
	return nil
}

func removeSlash(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '/' {
			out = append(out, s[i])
		}
	}
	return string(out)
}
