// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package store wires the pack reader/writer, pack-set, loose-file,
// union-store, delta-chain, repack, and wire-codec packages into the
// single consumer-facing API described by §6.3: get, getdelta,
// getdeltachain, getmissing, getmeta, getnodeinfo, prefetch,
// mark_for_refresh, and repack.
package store // import "remotefilelog.io/store"

import (
	"path/filepath"

	"remotefilelog.io/config"
	"remotefilelog.io/deltachain"
	"remotefilelog.io/errors"
	"remotefilelog.io/histpack"
	"remotefilelog.io/log"
	"remotefilelog.io/loose"
	"remotefilelog.io/node"
	"remotefilelog.io/pack"
	"remotefilelog.io/packset"
	"remotefilelog.io/repack"
	"remotefilelog.io/unionstore"
)

func logRepackError(err error) {
	log.Error.Printf("store: opportunistic repack failed: %v", err)
}

// Mode selects between a full and an incremental (generational) repack
// (§4.8).
type Mode int

// Recognized Repack modes.
const (
	Full Mode = iota
	Incremental
)

// Store is the public façade over the pack-store core: a coherent
// get/getmissing/getdeltachain surface backed by a loose-file tier, two
// pack-sets (data and history), and an optional remote fallback.
type Store struct {
	cfg *config.Config

	dataDir  string
	histDir  string
	looseDir string

	loose     *loose.Store
	dataPacks *packset.Set
	histPacks *packset.Set

	dataUnion *unionstore.DataUnion
	histUnion *unionstore.HistoryUnion

	apply   deltachain.Apply
	remote  *remoteFallback
}

// New builds a Store rooted at cfg.CachePath. apply reconstructs a full
// text from a base and a delta (§4.6: supplied externally, not part of
// this core); it may be nil if callers only ever need GetDeltaChain's raw
// links. client is the remote-fallback collaborator; nil disables
// fallback entirely, so GetDelta/GetNodeInfo fail Missing instead of
// reaching out to the network.
func New(cfg *config.Config, client RemoteClient, apply deltachain.Apply) (*Store, error) {
	const op = "store.New"
	if cfg == nil {
		cfg = config.Default()
	}
	if cfg.CachePath == "" {
		return nil, errors.E(errors.Op(op), errors.Invalid, errors.Str("cachepath is required"))
	}

	s := &Store{
		cfg:      cfg,
		dataDir:  filepath.Join(cfg.CachePath, "packs"),
		histDir:  filepath.Join(cfg.CachePath, "packs"),
		looseDir: filepath.Join(cfg.CachePath, "loose"),
		apply:    apply,
	}

	s.loose = loose.New(s.looseDir, true /* cached tier */)
	s.loose.GroupSticky = cfg.GroupSticky

	deleteCorrupt := func() bool { return cfg.ValidateCache != config.ValidateOff }
	s.dataPacks = packset.New(s.dataDir, ".datapack", ".dataidx", cfg.MaxPackFileCount, func(dir, base string) (packset.Handle, error) {
		return pack.Open(dir, base)
	}, deleteCorrupt)
	s.histPacks = packset.New(s.histDir, ".histpack", ".histidx", cfg.MaxPackFileCount, func(dir, base string) (packset.Handle, error) {
		return histpack.Open(dir, base)
	}, deleteCorrupt)

	s.remote = &remoteFallback{client: client, packDir: s.dataDir, dataSet: s.dataPacks, histSet: s.histPacks}

	// A nil client leaves the unions without a fallback, so a miss is
	// reported as Missing; Prefetch still goes through s.remote.
	var fallback unionstore.Fallback
	if client != nil {
		fallback = s.remote
	}

	s.dataUnion = unionstore.NewDataUnion(fallback)
	s.dataUnion.AddStore(s.loose)
	s.dataUnion.AddStore(&dataPackSetStore{set: s.dataPacks})

	s.histUnion = unionstore.NewHistoryUnion(fallback)
	s.histUnion.AddStore(&histPackSetStore{set: s.histPacks})

	if cfg.GCRepack {
		s.dataPacks.OnSaturation(func(*packset.Set) { go s.repackQuiet(Incremental) })
		s.histPacks.OnSaturation(func(*packset.Set) { go s.repackQuiet(Incremental) })
	}

	if err := s.dataPacks.Refresh(false); err != nil {
		return nil, errors.E(errors.Op(op), err)
	}
	if err := s.histPacks.Refresh(false); err != nil {
		return nil, errors.E(errors.Op(op), err)
	}
	return s, nil
}

func (s *Store) repackQuiet(mode Mode) {
	if err := s.Repack(mode); err != nil && !errors.Is(errors.AlreadyRunning, err) {
		logRepackError(err)
	}
}

// Get returns the reconstructed full text for (path, id), replaying its
// delta chain through the Apply function supplied to New (§4.6).
func (s *Store) Get(path string, id node.ID) ([]byte, error) {
	const op = "store.Store.Get"
	if s.apply == nil {
		return nil, errors.E(errors.Op(op), errors.Internal, errors.Str("no Apply function configured"))
	}
	chain, err := s.GetDeltaChain(path, id)
	if err != nil {
		return nil, errors.E(errors.Op(op), err)
	}
	text, err := deltachain.Reconstruct(chain, s.apply)
	if err != nil {
		return nil, errors.E(errors.Op(op), err)
	}
	return text, nil
}

// GetDelta returns the raw delta, base key, and metadata for (path, id),
// without resolving the chain (§6.3).
func (s *Store) GetDelta(path string, id node.ID) (delta []byte, basePath string, baseID node.ID, meta pack.Metadata, err error) {
	return s.dataUnion.GetDelta(path, id)
}

// GetDeltaChain resolves the full delta chain backing (path, id), root
// first, bounded by the configured maximum chain length (§4.6, §6.4's
// packs.maxchainlen).
func (s *Store) GetDeltaChain(path string, id node.ID) ([]deltachain.Link, error) {
	maxDepth := s.cfg.MaxChainLen
	if maxDepth <= 0 {
		maxDepth = deltachain.MaxDepth
	}
	return deltachain.WalkMax(path, id, s.dataUnion.GetDelta, maxDepth)
}

// GetMissing returns the subset of keys absent from every data sub-store
// (§6.3). It does not consult the remote fallback.
func (s *Store) GetMissing(keys []node.Key) ([]node.Key, error) {
	return s.dataUnion.GetMissing(keys)
}

// GetMeta returns just the metadata dictionary for (path, id).
func (s *Store) GetMeta(path string, id node.ID) (pack.Metadata, error) {
	const op = "store.Store.GetMeta"
	_, _, _, meta, err := s.GetDelta(path, id)
	if err != nil {
		return pack.Metadata{}, errors.E(errors.Op(op), err)
	}
	return meta, nil
}

// GetNodeInfo returns the ancestor record for (path, id): its two
// parents, the linknode, and a copy-from path if the revision was
// produced by a rename (§6.3).
func (s *Store) GetNodeInfo(path string, id node.ID) (p1, p2, linknode node.ID, copyfrom string, err error) {
	return s.histUnion.GetNodeInfo(path, id)
}

// GetAncestors performs a bounded graph walk of (path, id)'s history,
// crossing path boundaries on a copy-from rename, by delegating to the
// history pack's shared walk helper with GetNodeInfo as its lookup
// collaborator (§4.7).
func (s *Store) GetAncestors(path string, id node.ID) (map[node.Key]histpack.Entry, error) {
	maxDepth := s.cfg.MaxChainLen
	if maxDepth <= 0 {
		maxDepth = deltachain.MaxDepth
	}
	return histpack.GetAncestors(path, id, maxDepth, s.GetNodeInfo)
}

// Prefetch asks the remote fallback to populate the cache with keys and
// returns once it has done what it can (§6.3). A nil remote client makes
// this a Network error.
func (s *Store) Prefetch(keys []node.Key) error {
	const op = "store.Store.Prefetch"
	if err := s.remote.Fetch(keys); err != nil {
		return errors.E(errors.Op(op), err)
	}
	return nil
}

// MarkForRefresh tells every sub-store to rescan its backing directory on
// its next query (§6.3), e.g. after an external process has written new
// packs.
func (s *Store) MarkForRefresh() {
	s.dataUnion.MarkForRefresh()
	s.histUnion.MarkForRefresh()
}

// Repack merges small pack pairs into larger ones per mode (§4.8). A
// repack already running for either directory reports AlreadyRunning.
func (s *Store) Repack(mode Mode) error {
	const op = "store.Store.Repack"
	var dataErr, histErr error
	switch mode {
	case Full:
		_, dataErr = repack.FullData(s.dataDir, s.cfg.MaxPackSize)
		_, histErr = repack.FullHistory(s.histDir, 0)
	case Incremental:
		_, dataErr = repack.IncrementalData(s.dataDir, s.cfg.Data)
		_, histErr = repack.IncrementalHistory(s.histDir, s.cfg.History)
	default:
		return errors.E(errors.Op(op), errors.Invalid, errors.Str("unrecognized repack mode"))
	}
	if dataErr != nil {
		return errors.E(errors.Op(op), dataErr)
	}
	if histErr != nil {
		return errors.E(errors.Op(op), histErr)
	}
	s.MarkForRefresh()
	return nil
}

// GC runs the loose-file tier's retention sweep (§4.4), keeping anything
// touched within the grace window or named in keep, then trimming to
// cfg.CacheLimit by ascending access time.
func (s *Store) GC(keep map[loose.Locator]bool) error {
	return s.loose.GC(keep, s.cfg.CacheLimit)
}

// Close releases every open pack handle.
func (s *Store) Close() error {
	var first error
	if err := s.dataPacks.Close(); err != nil {
		first = err
	}
	if err := s.histPacks.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
