// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loose

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"remotefilelog.io/errors"
	"remotefilelog.io/node"
)

func timeLongAgo() time.Time {
	return time.Now().Add(-72 * time.Hour)
}

func mkBlob(path string, text []byte) (Blob, node.ID) {
	id := node.Of(text, node.Null, node.Null)
	return Blob{
		Path: path,
		ID:   id,
		Text: text,
		Flag: 0,
		Ancestors: []Ancestor{
			{ID: id, P1: node.Null, P2: node.Null, Linknode: node.Of([]byte("link"), node.Null, node.Null)},
		},
	}, id
}

func TestPutGetRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "loose")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s := New(dir, false)
	b, id := mkBlob("dir/file.txt", []byte("hello world"))
	if err := s.Put(b.Path, b); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get("dir/file.txt", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Text) != "hello world" {
		t.Errorf("Text = %q, want %q", got.Text, "hello world")
	}

	if _, err := os.Stat(s.filenamePath("dir/file.txt")); err != nil {
		t.Errorf("filename sibling missing: %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	dir, err := ioutil.TempDir("", "loose")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s := New(dir, false)
	b, id := mkBlob("a.txt", []byte("present"))
	if err := s.Put(b.Path, b); err != nil {
		t.Fatal(err)
	}

	absent := node.Of([]byte("nope"), node.Null, node.Null)
	missing, err := s.GetMissing([]node.Key{
		{Path: "a.txt", ID: id},
		{Path: "a.txt", ID: absent},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0].ID != absent {
		t.Errorf("GetMissing = %v, want just the absent key", missing)
	}
}

func TestGetCorruptCachedBecomesMissing(t *testing.T) {
	dir, err := ioutil.TempDir("", "loose")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s := New(dir, true) // cached tier
	b, id := mkBlob("a.txt", []byte("present"))
	if err := s.Put(b.Path, b); err != nil {
		t.Fatal(err)
	}

	// Corrupt the stored text in place.
	p := s.blobPath("a.txt", id)
	os.Chmod(p, 0644)
	raw, _ := ioutil.ReadFile(p)
	raw[len(raw)-1] ^= 0xff
	if err := ioutil.WriteFile(p, raw, 0644); err != nil {
		t.Fatal(err)
	}

	_, err = s.Get("a.txt", id)
	if !errors.Is(errors.Missing, err) {
		t.Errorf("Get on corrupt cached entry: got %v, want Missing", err)
	}
	if _, statErr := os.Stat(p + ".corrupt"); statErr != nil {
		t.Errorf("corrupt file was not renamed aside: %v", statErr)
	}
}

func TestGetCorruptLocalIsUnrecoverable(t *testing.T) {
	dir, err := ioutil.TempDir("", "loose")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s := New(dir, false) // local, non-cache tier
	b, id := mkBlob("a.txt", []byte("present"))
	if err := s.Put(b.Path, b); err != nil {
		t.Fatal(err)
	}
	p := s.blobPath("a.txt", id)
	os.Chmod(p, 0644)
	raw, _ := ioutil.ReadFile(p)
	raw[len(raw)-1] ^= 0xff
	ioutil.WriteFile(p, raw, 0644)

	_, err = s.Get("a.txt", id)
	if !errors.Is(errors.Corrupt, err) {
		t.Errorf("Get on corrupt local entry: got %v, want Corrupt", err)
	}
}

func TestGCKeepsRecentAndKeepSet(t *testing.T) {
	dir, err := ioutil.TempDir("", "loose")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s := New(dir, true)
	recent, recentID := mkBlob("recent.txt", []byte("recent"))
	kept, keptID := mkBlob("kept.txt", []byte("kept"))
	stale, staleID := mkBlob("stale.txt", []byte("stale"))
	for _, b := range []Blob{recent, kept, stale} {
		if err := s.Put(b.Path, b); err != nil {
			t.Fatal(err)
		}
	}

	oldTime := timeLongAgo()
	for _, p := range []string{
		s.blobPath("kept.txt", keptID),
		s.blobPath("stale.txt", staleID),
	} {
		if err := os.Chtimes(p, oldTime, oldTime); err != nil {
			t.Fatal(err)
		}
	}

	kDir, kSub := PathHash("kept.txt")
	keep := map[Locator]bool{
		{Hash: kDir + kSub, ID: keptID}: true,
	}

	if err := s.GC(keep, 1<<30); err != nil {
		t.Fatalf("GC: %v", err)
	}

	if _, err := s.Get("recent.txt", recentID); err != nil {
		t.Errorf("recent entry should survive GC: %v", err)
	}
	if _, err := s.Get("kept.txt", keptID); err != nil {
		t.Errorf("kept entry should survive GC: %v", err)
	}
	if _, err := os.Stat(s.blobPath("stale.txt", staleID)); !os.IsNotExist(err) {
		t.Errorf("stale entry should have been removed, stat err = %v", err)
	}
}

func TestGCEnforcesSizeLimit(t *testing.T) {
	dir, err := ioutil.TempDir("", "loose")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s := New(dir, true)
	// Every file is touched within the last 24 hours, so only the size
	// pass can remove it.
	oldTime := time.Now().Add(-12 * time.Hour)
	var ids []node.ID
	var paths []string
	for i := 0; i < 5; i++ {
		p := filepath.Join("f", string(rune('a'+i))+".txt")
		b, id := mkBlob(p, []byte("0123456789"))
		if err := s.Put(p, b); err != nil {
			t.Fatal(err)
		}
		fp := s.blobPath(p, id)
		os.Chtimes(fp, oldTime.Add(time.Duration(i)*time.Hour), oldTime.Add(time.Duration(i)*time.Hour))
		ids = append(ids, id)
		paths = append(paths, p)
	}

	if err := s.GC(nil, 20); err != nil {
		t.Fatalf("GC: %v", err)
	}

	var survived int
	for i, p := range paths {
		if _, err := os.Stat(s.blobPath(p, ids[i])); err == nil {
			survived++
		}
	}
	if survived > 2 {
		t.Errorf("expected at most ~2 survivors under a 20-byte limit, got %d", survived)
	}
}
