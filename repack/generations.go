// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package repack

import (
	"sort"

	"remotefilelog.io/config"
)

// PackSize names one pack by base path and on-disk size, the unit both
// the full and incremental repack paths bucket and sort on.
type PackSize struct {
	Base string
	Size int64
}

// infinity stands in for config.Generations' -1 sentinel once resolved to
// an actual upper bound.
const infinity = int64(1) << 62

// boundaries turns a descending config.Generations list (e.g.
// [Inf, 100MiB, 1MiB, 0]) into an ascending list of bucket edges (e.g.
// [0, 1MiB, 100MiB, Inf]), tolerating any input order or missing 0/Inf
// endpoints by adding them.
func boundaries(gens config.Generations) []int64 {
	edges := make([]int64, 0, len(gens)+2)
	edges = append(edges, 0)
	for _, g := range gens {
		if g < 0 {
			g = infinity
		}
		edges = append(edges, g)
	}
	edges = append(edges, infinity)
	sort.Slice(edges, func(i, j int) bool { return edges[i] < edges[j] })
	out := edges[:0:0]
	for i, e := range edges {
		if i == 0 || e != out[len(out)-1] {
			out = append(out, e)
		}
	}
	return out
}

// Buckets partitions sizes into the half-open size ranges implied by gens
// (§4.8), in ascending order.
func Buckets(sizes []PackSize, gens config.Generations) [][]PackSize {
	edges := boundaries(gens)
	buckets := make([][]PackSize, len(edges)-1)
	for _, ps := range sizes {
		for i := 0; i < len(edges)-1; i++ {
			lo, hi := edges[i], edges[i+1]
			if ps.Size >= lo && ps.Size < hi {
				buckets[i] = append(buckets[i], ps)
				break
			}
		}
	}
	return buckets
}

// SelectIncremental chooses, within one eligible bucket, the smallest-first
// run of packs to merge: up to tuning.MaxRepackPacks packs, skipping any
// single pack already larger than tuning.RepackMaxPackSize, stopping once
// the combined size would exceed tuning.RepackSizeLimit (§4.8).
func SelectIncremental(bucket []PackSize, tuning config.RepackTuning) []PackSize {
	sorted := append([]PackSize(nil), bucket...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size < sorted[j].Size })

	var selected []PackSize
	var total int64
	for _, ps := range sorted {
		if tuning.RepackMaxPackSize > 0 && ps.Size > tuning.RepackMaxPackSize {
			continue
		}
		if tuning.MaxRepackPacks > 0 && len(selected) >= tuning.MaxRepackPacks {
			break
		}
		if tuning.RepackSizeLimit > 0 && total+ps.Size > tuning.RepackSizeLimit && len(selected) > 0 {
			break
		}
		selected = append(selected, ps)
		total += ps.Size
	}
	return selected
}
