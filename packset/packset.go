// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package packset maintains a mutable, directory-scoped collection of
// open pack handles (§4.3): an LRU of recently-hit packs, refreshed from
// the directory listing under throttling, with corrupt packs evicted
// according to the configured deletion policy.
package packset // import "remotefilelog.io/packset"

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"remotefilelog.io/cache"
	"remotefilelog.io/errors"
	"remotefilelog.io/log"
)

// defaultCapacity is the pack-set's default LRU capacity (§4.3).
const defaultCapacity = 100

// refreshInterval throttles directory rescans absent miss pressure (§4.3).
const refreshInterval = 100 * time.Millisecond

// Handle is the subset of pack.Reader/histpack.Reader that packset needs
// in order to manage the handle's lifecycle. Both readers satisfy this
// interface structurally; packset never imports either package.
type Handle interface {
	Base() string
	Close() error
	OnEviction(key interface{})
	MarkForRefresh()
}

// OpenFunc opens the pack pair named base within dir.
type OpenFunc func(dir, base string) (Handle, error)

// Set is a directory-scoped collection of open pack handles (C3).
type Set struct {
	dir           string
	primaryExt    string // e.g. ".datapack" or ".histpack"
	indexExt      string // e.g. ".dataidx" or ".histidx"
	open          OpenFunc
	deleteCorrupt func() bool
	lruCapacity   int

	onSaturation func(*Set)

	mu          sync.Mutex
	lru         *cache.LRU
	packsOnDisk map[string]bool
	lastRefresh time.Time
}

// New returns a pack-set rooted at dir, opening pairs of
// base+primaryExt/base+indexExt files with open. deleteCorrupt is
// consulted at each corruption event so callers can change the policy at
// runtime. store.New derives it from config.ValidateCache: deletion is on
// unless validatecache is off.
func New(dir, primaryExt, indexExt string, capacity int, open OpenFunc, deleteCorrupt func() bool) *Set {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Set{
		dir:           dir,
		primaryExt:    primaryExt,
		indexExt:      indexExt,
		open:          open,
		deleteCorrupt: deleteCorrupt,
		lruCapacity:   capacity,
		lru:           cache.NewLRU(capacity),
		packsOnDisk:   make(map[string]bool),
	}
}

// OnSaturation registers a hook invoked when the LRU is at capacity and a
// new pack is about to be added (§4.3's "LRU saturation trigger"). The
// hook runs synchronously on the refreshing goroutine and should not
// block; it is expected to schedule an opportunistic repack.
func (s *Set) OnSaturation(f func(*Set)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSaturation = f
}

// Dir returns the directory this set manages.
func (s *Set) Dir() string { return s.dir }

// Refresh rescans the directory for newly-appeared pack pairs, subject to
// refreshInterval throttling unless missPressure is set (§4.3).
func (s *Set) Refresh(missPressure bool) error {
	const op = "packset.Set.Refresh"
	s.mu.Lock()
	if !missPressure && time.Since(s.lastRefresh) < refreshInterval {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	entries, err := ioutil.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.lastRefresh = time.Now()
			s.mu.Unlock()
			return nil
		}
		return errors.E(errors.Op(op), errors.Path(s.dir), err)
	}

	type found struct {
		base  string
		mtime time.Time
	}
	have := make(map[string]found)
	for _, fi := range entries {
		if fi.IsDir() {
			continue
		}
		name := fi.Name()
		if !strings.HasSuffix(name, s.primaryExt) {
			continue
		}
		base := strings.TrimSuffix(name, s.primaryExt)
		f := have[base]
		f.base = base
		if fi.ModTime().After(f.mtime) {
			f.mtime = fi.ModTime()
		}
		have[base] = f
	}
	for _, fi := range entries {
		if fi.IsDir() {
			continue
		}
		name := fi.Name()
		if !strings.HasSuffix(name, s.indexExt) {
			continue
		}
		base := strings.TrimSuffix(name, s.indexExt)
		if f, ok := have[base]; ok {
			if fi.ModTime().After(f.mtime) {
				f.mtime = fi.ModTime()
			}
			have[base] = f
		} else {
			delete(have, base) // index without a data file: incomplete pair
		}
	}
	// Drop bases missing either half of the pair.
	for base := range have {
		if _, err := os.Stat(filepath.Join(s.dir, base+s.indexExt)); err != nil {
			delete(have, base)
		}
	}

	s.mu.Lock()
	var toOpen []found
	for base, f := range have {
		s.packsOnDisk[base] = true
		if _, open := s.lru.Get(base); !open {
			toOpen = append(toOpen, f)
		}
	}
	s.lastRefresh = time.Now()
	s.mu.Unlock()

	sort.Slice(toOpen, func(i, j int) bool { return toOpen[i].mtime.After(toOpen[j].mtime) })

	for _, f := range toOpen {
		h, err := s.open(s.dir, f.base)
		if err != nil {
			if errors.Is(errors.Missing, err) {
				continue
			}
			// Any other open failure is treated as corruption of that
			// pack (§7): quarantine it under the same policy handleSuspect
			// applies to a pack that fails mid-query.
			log.Error.Printf("packset: opening %s: %v", f.base, err)
			s.quarantine(f.base)
			continue
		}
		s.mu.Lock()
		if s.lru.Len() >= s.lruCapacity && s.onSaturation != nil {
			hook := s.onSaturation
			s.mu.Unlock()
			hook(s)
			s.mu.Lock()
		}
		s.lru.Add(f.base, h)
		s.mu.Unlock()
	}
	return nil
}

// ErrNotFound is returned by a Query callback to mean "not present in
// this pack, try the next one" without marking the pack suspect.
var ErrNotFound = errors.Str("packset: not found in this pack")

// Query tries query against each open handle in most-recently-used order
// (§4.3). query returns (true, nil) on success, (false, nil) or an
// errors.Missing-kind error to continue to the next pack, or any other
// error to mark the pack suspect. Corrupt packs found mid-iteration are
// only handled once iteration completes, so Query never mutates the set
// while walking it (§7).
func (s *Set) Query(query func(h Handle) (bool, error)) (bool, error) {
	s.mu.Lock()
	it := s.lru.NewIterator()
	s.mu.Unlock()

	var suspects []string
	for {
		k, v, ok := it.GetAndAdvance()
		if !ok {
			break
		}
		h := v.(Handle)
		found, err := query(h)
		if err != nil {
			if err == ErrNotFound || errors.Is(errors.Missing, err) {
				continue
			}
			suspects = append(suspects, k.(string))
			continue
		}
		if found {
			s.mu.Lock()
			s.lru.Add(k, v)
			s.mu.Unlock()
			for _, base := range suspects {
				s.handleSuspect(base)
			}
			return true, nil
		}
	}

	for _, base := range suspects {
		s.handleSuspect(base)
	}
	return false, nil
}

func (s *Set) handleSuspect(base string) {
	s.mu.Lock()
	v, ok := s.lru.Get(base)
	s.mu.Unlock()
	if !ok {
		return
	}
	h := v.(Handle)

	if s.deleteCorrupt == nil || !s.deleteCorrupt() {
		log.Error.Printf("packset: pack %s in %s is suspect; leaving in place (local corruption is unrecoverable)", base, s.dir)
		return
	}
	s.mu.Lock()
	s.lru.Remove(base)
	s.mu.Unlock()
	h.Close()
	s.quarantine(base)
}

// quarantine removes base from the tracked on-disk set and, when the
// set's deletion policy allows it, renames its pack+index pair to
// ".corrupt" instead of leaving it to be reopened and fail again. It is
// shared by handleSuspect (a pack that fails mid-Query, with a handle
// already open) and Refresh's toOpen loop (a pack that fails to open at
// all, §4.3/§7).
func (s *Set) quarantine(base string) {
	s.mu.Lock()
	delete(s.packsOnDisk, base)
	s.mu.Unlock()

	if s.deleteCorrupt == nil || !s.deleteCorrupt() {
		log.Error.Printf("packset: pack %s in %s is suspect; leaving in place (local corruption is unrecoverable)", base, s.dir)
		return
	}
	primary := filepath.Join(s.dir, base+s.primaryExt)
	index := filepath.Join(s.dir, base+s.indexExt)
	if err := os.Rename(primary, primary+".corrupt"); err != nil && !os.IsNotExist(err) {
		log.Error.Printf("packset: renaming corrupt pack %s: %v", primary, err)
	}
	if err := os.Rename(index, index+".corrupt"); err != nil && !os.IsNotExist(err) {
		log.Error.Printf("packset: renaming corrupt index %s: %v", index, err)
	}
	log.Error.Printf("packset: removed corrupt pack %s from %s", base, s.dir)
}

// MarkForRefresh marks every currently-open handle for refresh and forces
// the next Refresh call to rescan regardless of throttling.
func (s *Set) MarkForRefresh() {
	s.mu.Lock()
	it := s.lru.NewIterator()
	s.lastRefresh = time.Time{}
	s.mu.Unlock()
	for {
		_, v, ok := it.GetAndAdvance()
		if !ok {
			break
		}
		v.(Handle).MarkForRefresh()
	}
}

// Bases returns the set of base paths known to be on disk as of the last
// refresh, for the repack engine to enumerate retirement candidates.
func (s *Set) Bases() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.packsOnDisk))
	for b := range s.packsOnDisk {
		out = append(out, b)
	}
	return out
}

// Len reports the number of currently open handles.
func (s *Set) Len() int {
	return s.lru.Len()
}

// Close closes every open handle.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.lru.NewIterator()
	var first error
	for {
		k, v, ok := it.GetAndAdvance()
		if !ok {
			break
		}
		if err := v.(Handle).Close(); err != nil && first == nil {
			first = err
		}
		delete(s.packsOnDisk, k.(string))
	}
	return first
}
