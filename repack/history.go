// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package repack

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"remotefilelog.io/config"
	"remotefilelog.io/errors"
	"remotefilelog.io/histpack"
	"remotefilelog.io/log"
	"remotefilelog.io/node"
)

// listHistPacks scans dir for complete .histpack/.histidx pairs and
// returns their base names and on-disk data-file sizes.
func listHistPacks(dir string) ([]PackSize, error) {
	const op = "repack.listHistPacks"
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, errors.E(errors.Op(op), errors.Path(dir), err)
	}
	sizes := make(map[string]int64)
	have := make(map[string]bool)
	for _, fi := range entries {
		name := fi.Name()
		switch {
		case strings.HasSuffix(name, ".histpack"):
			base := strings.TrimSuffix(name, ".histpack")
			sizes[base] = fi.Size()
			have[base] = have[base] || false
		case strings.HasSuffix(name, ".histidx"):
			base := strings.TrimSuffix(name, ".histidx")
			have[base] = true
		}
	}
	var out []PackSize
	for base, idxOK := range have {
		if !idxOK {
			continue
		}
		if size, ok := sizes[base]; ok {
			out = append(out, PackSize{Base: base, Size: size})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out, nil
}

// readHistPacks mirrors readDataPacks for history-pack entries.
func readHistPacks(dir string, bases []string) (entries []histpack.Entry, suspects []string, err error) {
	var mu sync.Mutex
	var g errgroup.Group
	for _, base := range bases {
		base := base
		g.Go(func() error {
			r, err := histpack.Open(dir, base)
			if err != nil {
				log.Error.Printf("repack: opening %s: %v", base, err)
				mu.Lock()
				suspects = append(suspects, base)
				mu.Unlock()
				return nil
			}
			defer r.Close()
			es, err := r.All()
			if err != nil {
				log.Error.Printf("repack: reading %s: %v", base, err)
				mu.Lock()
				suspects = append(suspects, base)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			entries = append(entries, es...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return entries, suspects, nil
}

// dedupHistory keeps the last ancestor record seen for each (path, id).
func dedupHistory(entries []histpack.Entry) []histpack.Entry {
	byKey := make(map[node.Key]int, len(entries))
	out := make([]histpack.Entry, 0, len(entries))
	for _, e := range entries {
		key := node.Key{Path: e.Path, ID: e.ID}
		if i, ok := byKey[key]; ok {
			out[i] = e
			continue
		}
		byKey[key] = len(out)
		out = append(out, e)
	}
	return out
}

// writeHistOutputs flushes entries into one or more fresh history pack
// pairs, round-robin split the same way writeDataOutputs splits data
// entries, sized by ancestor-record count rather than delta bytes since
// history entries carry no payload to sum.
func writeHistOutputs(dir string, entries []histpack.Entry, maxPackEntries int) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	n := 1
	if maxPackEntries > 0 {
		n = len(entries)/maxPackEntries + 1
	}
	writers := make([]*histpack.Writer, n)
	for i := range writers {
		writers[i] = histpack.NewWriter()
	}
	for i, e := range entries {
		w := writers[i%n]
		if err := w.Add(e.Path, e.ID, e.P1, e.P2, e.Linknode, e.Copyfrom); err != nil {
			return nil, err
		}
	}
	var bases []string
	for _, w := range writers {
		if w.Len() == 0 {
			continue
		}
		base, err := w.Flush(dir)
		if err != nil {
			return nil, err
		}
		bases = append(bases, base)
	}
	return bases, nil
}

// retireHistPacks mirrors retireDataPacks for history-pack pairs.
func retireHistPacks(dir string, bases, suspects []string) {
	for _, base := range bases {
		os.Remove(filepath.Join(dir, base+".histpack"))
		os.Remove(filepath.Join(dir, base+".histidx"))
	}
	for _, base := range suspects {
		for _, ext := range []string{".histpack", ".histidx"} {
			p := filepath.Join(dir, base+ext)
			if _, err := os.Stat(p); err != nil {
				continue
			}
			if err := os.Rename(p, p+".corrupt"); err != nil {
				log.Error.Printf("repack: renaming %s to .corrupt: %v", p, err)
			}
		}
	}
}

// FullHistory merges every complete history pack pair in dir into one
// fresh pair, under the directory's repack lock. History packs have no
// large binary payload, so unlike FullData there is no size-driven output
// split; maxPackEntries bounds entry count per output instead.
func FullHistory(dir string, maxPackEntries int) ([]string, error) {
	const op = "repack.FullHistory"
	lock, err := Acquire(dir)
	if err != nil {
		return nil, errors.E(errors.Op(op), err)
	}
	defer lock.Release()

	sizes, err := listHistPacks(dir)
	if err != nil {
		return nil, errors.E(errors.Op(op), err)
	}
	if len(sizes) <= 1 {
		return nil, nil
	}
	bases := make([]string, len(sizes))
	for i, ps := range sizes {
		bases[i] = ps.Base
	}

	entries, suspects, err := readHistPacks(dir, bases)
	if err != nil {
		return nil, errors.E(errors.Op(op), err)
	}
	entries = dedupHistory(entries)

	outputs, err := writeHistOutputs(dir, entries, maxPackEntries)
	if err != nil {
		return nil, errors.E(errors.Op(op), err)
	}

	suspectSet := make(map[string]bool, len(suspects))
	for _, s := range suspects {
		suspectSet[s] = true
	}
	retired := make([]string, 0, len(bases))
	for _, b := range bases {
		if !suspectSet[b] {
			retired = append(retired, b)
		}
	}
	retireHistPacks(dir, retired, suspects)
	return outputs, nil
}

// IncrementalHistory mirrors IncrementalData, bucketing history packs by
// the same generation boundaries as the data side (§4.8).
func IncrementalHistory(dir string, tuning config.RepackTuning) ([]string, error) {
	const op = "repack.IncrementalHistory"
	lock, err := Acquire(dir)
	if err != nil {
		return nil, errors.E(errors.Op(op), err)
	}
	defer lock.Release()

	sizes, err := listHistPacks(dir)
	if err != nil {
		return nil, errors.E(errors.Op(op), err)
	}
	buckets := Buckets(sizes, tuning.Generations)

	var allOutputs []string
	for _, bucket := range buckets {
		if len(bucket) < tuning.GenCountLimit {
			continue
		}
		selected := SelectIncremental(bucket, tuning)
		if len(selected) < 2 {
			continue
		}
		bases := make([]string, len(selected))
		for i, ps := range selected {
			bases[i] = ps.Base
		}

		entries, suspects, err := readHistPacks(dir, bases)
		if err != nil {
			return nil, errors.E(errors.Op(op), err)
		}
		entries = dedupHistory(entries)

		outputs, err := writeHistOutputs(dir, entries, 0)
		if err != nil {
			return nil, errors.E(errors.Op(op), err)
		}

		suspectSet := make(map[string]bool, len(suspects))
		for _, s := range suspects {
			suspectSet[s] = true
		}
		retired := make([]string, 0, len(bases))
		for _, b := range bases {
			if !suspectSet[b] {
				retired = append(retired, b)
			}
		}
		retireHistPacks(dir, retired, suspects)
		allOutputs = append(allOutputs, outputs...)
	}
	return allOutputs, nil
}
