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
	"remotefilelog.io/log"
	"remotefilelog.io/node"
	"remotefilelog.io/pack"
)

// listDataPacks scans dir for complete .datapack/.dataidx pairs and
// returns their base names and on-disk data-file sizes.
func listDataPacks(dir string) ([]PackSize, error) {
	const op = "repack.listDataPacks"
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, errors.E(errors.Op(op), errors.Path(dir), err)
	}
	sizes := make(map[string]int64)
	have := make(map[string]bool)
	for _, fi := range entries {
		name := fi.Name()
		switch {
		case strings.HasSuffix(name, ".datapack"):
			base := strings.TrimSuffix(name, ".datapack")
			sizes[base] = fi.Size()
			have[base] = have[base] || false
		case strings.HasSuffix(name, ".dataidx"):
			base := strings.TrimSuffix(name, ".dataidx")
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

// readDataPacks opens every named pack concurrently and collects its
// entries. A pack that fails to open or read is not fatal to the batch:
// its base is appended to suspects and it is excluded from the result
// (§4.8: "the repack does not abort; it flags the pack and continues").
func readDataPacks(dir string, bases []string) (entries []pack.Entry, suspects []string, err error) {
	var mu sync.Mutex
	var g errgroup.Group
	for _, base := range bases {
		base := base
		g.Go(func() error {
			r, err := pack.Open(dir, base)
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

// dedupData keeps the last entry seen for each (path, id), so a key
// present in more than one source pack survives exactly once.
func dedupData(entries []pack.Entry) []pack.Entry {
	byKey := make(map[node.Key]int, len(entries))
	out := make([]pack.Entry, 0, len(entries))
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

// writeDataOutputs flushes entries into one or more fresh pack pairs in
// dir, splitting round-robin across enough writers to keep each output
// under maxPackSize when that bound is positive.
func writeDataOutputs(dir string, entries []pack.Entry, maxPackSize int64) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var total int64
	for _, e := range entries {
		total += int64(len(e.Delta))
	}
	n := 1
	if maxPackSize > 0 {
		n = int(total/maxPackSize) + 1
	}
	writers := make([]*pack.Writer, n)
	for i := range writers {
		writers[i] = pack.NewWriter()
	}
	for i, e := range entries {
		w := writers[i%n]
		if err := w.Add(e.Path, e.ID, e.DeltaBase, e.Delta, e.Meta); err != nil {
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

// retireDataPacks removes the pack pairs named in bases from dir, and
// renames every base in suspects to a .corrupt pair instead of deleting
// it, preserving the bytes for manual inspection.
func retireDataPacks(dir string, bases, suspects []string) {
	for _, base := range bases {
		os.Remove(filepath.Join(dir, base+".datapack"))
		os.Remove(filepath.Join(dir, base+".dataidx"))
	}
	for _, base := range suspects {
		for _, ext := range []string{".datapack", ".dataidx"} {
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

// FullData merges every complete data pack pair in dir into as few fresh
// pairs as maxPackSize allows, under the directory's repack lock (§4.8).
// Corrupt source packs are quarantined, not fatal; the merge proceeds
// with everything else.
func FullData(dir string, maxPackSize int64) ([]string, error) {
	const op = "repack.FullData"
	lock, err := Acquire(dir)
	if err != nil {
		return nil, errors.E(errors.Op(op), err)
	}
	defer lock.Release()

	sizes, err := listDataPacks(dir)
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

	entries, suspects, err := readDataPacks(dir, bases)
	if err != nil {
		return nil, errors.E(errors.Op(op), err)
	}
	entries = dedupData(entries)

	outputs, err := writeDataOutputs(dir, entries, maxPackSize)
	if err != nil {
		return nil, errors.E(errors.Op(op), err)
	}

	retired := make([]string, 0, len(bases))
	suspectSet := make(map[string]bool, len(suspects))
	for _, s := range suspects {
		suspectSet[s] = true
	}
	// An output whose bytes equal a source pack's carries that source's
	// content-hash name; removing the source would remove the output.
	outputSet := make(map[string]bool, len(outputs))
	for _, o := range outputs {
		outputSet[o] = true
	}
	for _, b := range bases {
		if !suspectSet[b] && !outputSet[b] {
			retired = append(retired, b)
		}
	}
	retireDataPacks(dir, retired, suspects)
	return outputs, nil
}

// IncrementalData repacks only the generation buckets that have
// accumulated at least tuning.GenCountLimit packs (§4.8), leaving sparse
// buckets untouched so a single large old pack isn't rewritten on every
// pass.
func IncrementalData(dir string, tuning config.RepackTuning) ([]string, error) {
	const op = "repack.IncrementalData"
	lock, err := Acquire(dir)
	if err != nil {
		return nil, errors.E(errors.Op(op), err)
	}
	defer lock.Release()

	sizes, err := listDataPacks(dir)
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

		entries, suspects, err := readDataPacks(dir, bases)
		if err != nil {
			return nil, errors.E(errors.Op(op), err)
		}
		entries = dedupData(entries)

		outputs, err := writeDataOutputs(dir, entries, tuning.RepackMaxPackSize)
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
		retireDataPacks(dir, retired, suspects)
		allOutputs = append(allOutputs, outputs...)
	}
	return allOutputs, nil
}
