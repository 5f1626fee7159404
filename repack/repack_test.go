// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package repack

import (
	"io/ioutil"
	"os"
	"testing"

	"remotefilelog.io/config"
	"remotefilelog.io/errors"
	"remotefilelog.io/histpack"
	"remotefilelog.io/node"
	"remotefilelog.io/pack"
)

func tempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "repack-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func writeDataPack(t *testing.T, dir string, paths []string) string {
	w := pack.NewWriter()
	for _, p := range paths {
		id := node.Of([]byte(p), node.Null, node.Null)
		if err := w.Add(p, id, node.Null, []byte(p), pack.Metadata{Size: int64(len(p))}); err != nil {
			t.Fatal(err)
		}
	}
	base, err := w.Flush(dir)
	if err != nil {
		t.Fatal(err)
	}
	return base
}

func TestFullDataMergesIntoOnePack(t *testing.T) {
	dir := tempDir(t)
	writeDataPack(t, dir, []string{"a.txt"})
	writeDataPack(t, dir, []string{"b.txt"})
	writeDataPack(t, dir, []string{"c.txt"})

	outputs, err := FullData(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(outputs) != 1 {
		t.Fatalf("got %d outputs, want 1", len(outputs))
	}

	r, err := pack.Open(dir, outputs[0])
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	entries, err := r.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("got %d entries, want 3", len(entries))
	}

	sizes, err := listDataPacks(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(sizes) != 1 {
		t.Errorf("got %d surviving packs, want 1", len(sizes))
	}
}

func TestFullDataDedupsSharedKey(t *testing.T) {
	dir := tempDir(t)
	id := node.Of([]byte("v1"), node.Null, node.Null)
	w1 := pack.NewWriter()
	w1.Add("f.txt", id, node.Null, []byte("v1"), pack.Metadata{Size: 2})
	w1.Flush(dir)

	w2 := pack.NewWriter()
	w2.Add("f.txt", id, node.Null, []byte("v1-again"), pack.Metadata{Size: 8})
	w2.Flush(dir)

	outputs, err := FullData(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	r, err := pack.Open(dir, outputs[0])
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	entries, err := r.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 (deduped)", len(entries))
	}
}

func TestFullDataSplitsOnMaxPackSize(t *testing.T) {
	dir := tempDir(t)
	for i := 0; i < 4; i++ {
		writeDataPack(t, dir, []string{string(rune('a' + i))})
	}
	outputs, err := FullData(dir, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(outputs) < 2 {
		t.Fatalf("got %d outputs, want more than 1 when maxPackSize forces a split", len(outputs))
	}
}

func TestFullDataToleratesCorruptSourcePack(t *testing.T) {
	dir := tempDir(t)
	good := writeDataPack(t, dir, []string{"ok.txt"})
	bad := writeDataPack(t, dir, []string{"bad.txt"})
	// Truncate the bad pack's index so it fails to open.
	if err := os.Truncate(dir+"/"+bad+".dataidx", 0); err != nil {
		t.Fatal(err)
	}

	outputs, err := FullData(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(outputs) != 1 {
		t.Fatalf("got %d outputs, want 1 (bad pack skipped, not merged)", len(outputs))
	}

	r, err := pack.Open(dir, outputs[0])
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	entries, err := r.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Path != "ok.txt" {
		t.Fatalf("got %v, want only ok.txt's entry", entries)
	}

	if _, err := os.Stat(dir + "/" + good + ".datapack"); !os.IsNotExist(err) {
		t.Errorf("good source pack should have been retired")
	}
	if _, err := os.Stat(dir + "/" + bad + ".datapack.corrupt"); err != nil {
		t.Errorf("bad source pack should have been renamed to .corrupt: %v", err)
	}
}

func TestFullDataLockContention(t *testing.T) {
	dir := tempDir(t)
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	_, err = FullData(dir, 0)
	if !errors.Is(errors.AlreadyRunning, err) {
		t.Fatalf("got %v, want AlreadyRunning", err)
	}
}

func TestIncrementalDataRespectsGenCountLimit(t *testing.T) {
	dir := tempDir(t)
	writeDataPack(t, dir, []string{"a.txt"})
	writeDataPack(t, dir, []string{"b.txt"})

	tuning := config.RepackTuning{
		GenCountLimit:     3, // more packs than exist: nothing eligible
		Generations:       config.Generations{-1, 0},
		MaxRepackPacks:    50,
		RepackMaxPackSize: 0,
		RepackSizeLimit:   0,
	}
	outputs, err := IncrementalData(dir, tuning)
	if err != nil {
		t.Fatal(err)
	}
	if len(outputs) != 0 {
		t.Errorf("got %d outputs, want 0 when bucket is below GenCountLimit", len(outputs))
	}

	sizes, err := listDataPacks(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(sizes) != 2 {
		t.Errorf("got %d surviving packs, want both untouched", len(sizes))
	}
}

func TestIncrementalDataMergesEligibleBucket(t *testing.T) {
	dir := tempDir(t)
	writeDataPack(t, dir, []string{"a.txt"})
	writeDataPack(t, dir, []string{"b.txt"})
	writeDataPack(t, dir, []string{"c.txt"})

	tuning := config.RepackTuning{
		GenCountLimit:     2,
		Generations:       config.Generations{-1, 0},
		MaxRepackPacks:    50,
		RepackMaxPackSize: 0,
		RepackSizeLimit:   0,
	}
	outputs, err := IncrementalData(dir, tuning)
	if err != nil {
		t.Fatal(err)
	}
	if len(outputs) != 1 {
		t.Fatalf("got %d outputs, want 1", len(outputs))
	}

	r, err := pack.Open(dir, outputs[0])
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	entries, err := r.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("got %d entries, want all 3 merged", len(entries))
	}
}

func writeHistPack(t *testing.T, dir string, keys []node.Key) string {
	w := histpack.NewWriter()
	for _, k := range keys {
		if err := w.Add(k.Path, k.ID, node.Null, node.Null, node.Null, ""); err != nil {
			t.Fatal(err)
		}
	}
	base, err := w.Flush(dir)
	if err != nil {
		t.Fatal(err)
	}
	return base
}

func TestFullHistoryMergesIntoOnePack(t *testing.T) {
	dir := tempDir(t)
	writeHistPack(t, dir, []node.Key{{Path: "a.txt", ID: node.Of([]byte("a"), node.Null, node.Null)}})
	writeHistPack(t, dir, []node.Key{{Path: "b.txt", ID: node.Of([]byte("b"), node.Null, node.Null)}})

	outputs, err := FullHistory(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(outputs) != 1 {
		t.Fatalf("got %d outputs, want 1", len(outputs))
	}

	r, err := histpack.Open(dir, outputs[0])
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	entries, err := r.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d entries, want 2", len(entries))
	}
}

func TestLockAcquireReleaseRoundTrip(t *testing.T) {
	dir := tempDir(t)
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Acquire(dir); !errors.Is(errors.AlreadyRunning, err) {
		t.Fatalf("second Acquire: got %v, want AlreadyRunning", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	lock2, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
	lock2.Release()
}
