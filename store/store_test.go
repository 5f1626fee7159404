// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"testing"

	"remotefilelog.io/config"
	"remotefilelog.io/errors"
	"remotefilelog.io/histpack"
	"remotefilelog.io/loose"
	"remotefilelog.io/node"
	"remotefilelog.io/pack"
	"remotefilelog.io/wirepack"
)

func tempCache(t *testing.T) string {
	dir, err := ioutil.TempDir("", "store-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func concatApply(base, delta []byte) ([]byte, error) {
	return append(append([]byte(nil), base...), delta...), nil
}

func newTestStore(t *testing.T, client RemoteClient) *Store {
	cfg := config.Default()
	cfg.CachePath = tempCache(t)
	s, err := New(cfg, client, concatApply)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewWiresGroupStickyIntoLooseTier(t *testing.T) {
	cfg := config.Default()
	cfg.CachePath = tempCache(t)
	cfg.GroupSticky = true
	s, err := New(cfg, nil, concatApply)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if !s.loose.GroupSticky {
		t.Error("store.New did not propagate cfg.GroupSticky to the loose tier")
	}
}

func TestGetDeltaFromLooseTier(t *testing.T) {
	s := newTestStore(t, nil)
	id := node.Of([]byte("hello"), node.Null, node.Null)
	if err := s.loose.Put("a.txt", loose.Blob{Path: "a.txt", ID: id, Text: []byte("hello")}); err != nil {
		t.Fatal(err)
	}

	delta, basePath, baseID, _, err := s.GetDelta("a.txt", id)
	if err != nil {
		t.Fatal(err)
	}
	if string(delta) != "hello" {
		t.Errorf("delta = %q, want hello", delta)
	}
	if basePath != "" || baseID != node.Null {
		t.Errorf("loose entry should be a chain root, got basePath=%q baseID=%x", basePath, baseID)
	}
}

func TestGetDeltaFromPackSetAfterWrite(t *testing.T) {
	s := newTestStore(t, nil)
	id := node.Of([]byte("packed"), node.Null, node.Null)
	w := pack.NewWriter()
	if err := w.Add("b.txt", id, node.Null, []byte("packed"), pack.Metadata{Size: 6}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Flush(s.dataDir); err != nil {
		t.Fatal(err)
	}

	// The pack-set's construction-time scan predates this write; GetDelta
	// must force a rescan on a miss rather than staying stale.
	delta, _, _, _, err := s.GetDelta("b.txt", id)
	if err != nil {
		t.Fatal(err)
	}
	if string(delta) != "packed" {
		t.Errorf("delta = %q, want packed", delta)
	}
}

func TestGetReconstructsTwoHopChain(t *testing.T) {
	s := newTestStore(t, nil)
	root := node.Of([]byte("root"), node.Null, node.Null)
	leaf := node.Of([]byte("+leaf"), node.Null, node.Null)

	w := pack.NewWriter()
	w.Add("c.txt", root, node.Null, []byte("root"), pack.Metadata{})
	w.Add("c.txt", leaf, root, []byte("+leaf"), pack.Metadata{})
	if _, err := w.Flush(s.dataDir); err != nil {
		t.Fatal(err)
	}

	text, err := s.Get("c.txt", leaf)
	if err != nil {
		t.Fatal(err)
	}
	if string(text) != "root+leaf" {
		t.Errorf("Get = %q, want root+leaf", text)
	}
}

func TestGetMissingAcrossTiers(t *testing.T) {
	s := newTestStore(t, nil)
	present := node.Of([]byte("x"), node.Null, node.Null)
	absent := node.Of([]byte("y"), node.Null, node.Null)
	if err := s.loose.Put("d.txt", loose.Blob{Path: "d.txt", ID: present, Text: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	missing, err := s.GetMissing([]node.Key{
		{Path: "d.txt", ID: present},
		{Path: "d.txt", ID: absent},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0].ID != absent {
		t.Errorf("missing = %v, want just the absent key", missing)
	}
}

func TestGetNodeInfoFromHistoryPack(t *testing.T) {
	s := newTestStore(t, nil)
	id := node.Of([]byte("e"), node.Null, node.Null)
	p1 := node.Of([]byte("parent"), node.Null, node.Null)

	w := histpack.NewWriter()
	w.Add("e.txt", id, p1, node.Null, id, "")
	if _, err := w.Flush(s.histDir); err != nil {
		t.Fatal(err)
	}

	gotP1, _, _, _, err := s.GetNodeInfo("e.txt", id)
	if err != nil {
		t.Fatal(err)
	}
	if gotP1 != p1 {
		t.Errorf("p1 = %x, want %x", gotP1, p1)
	}
}

// fakeRemote implements RemoteClient by serving a fixed wire stream,
// regardless of the requested keys.
type fakeRemote struct {
	path  string
	id    node.ID
	delta []byte
}

func (f *fakeRemote) Fetch(request []byte) (io.ReadCloser, error) {
	// Decode the request the way a real remote peer would, even though
	// this fake always serves the same canned response regardless of
	// which keys were actually asked for.
	if _, err := wirepack.DecodeRequest(request); err != nil {
		return nil, err
	}

	var body bytes.Buffer
	part := wirepack.FilePart{
		Path: f.path,
		Data: []wirepack.DataEntry{{ID: f.id, DeltaBase: node.Null, Delta: f.delta, Meta: pack.Metadata{Size: int64(len(f.delta))}}},
	}
	if err := wirepack.EncodeStream(&body, []wirepack.FilePart{part}, wirepack.Version2); err != nil {
		return nil, err
	}

	var framed bytes.Buffer
	if err := wirepack.WriteStreamHeader(&framed, uint64(body.Len()), wirepack.Version2); err != nil {
		return nil, err
	}
	framed.Write(body.Bytes())
	return ioutil.NopCloser(&framed), nil
}

func TestPrefetchPopulatesFromRemote(t *testing.T) {
	id := node.Of([]byte("remote"), node.Null, node.Null)
	s := newTestStore(t, &fakeRemote{path: "r.txt", id: id, delta: []byte("remote")})

	if err := s.Prefetch([]node.Key{{Path: "r.txt", ID: id}}); err != nil {
		t.Fatal(err)
	}

	delta, _, _, _, err := s.GetDelta("r.txt", id)
	if err != nil {
		t.Fatal(err)
	}
	if string(delta) != "remote" {
		t.Errorf("delta = %q, want remote", delta)
	}
}

func TestGetDeltaFallsBackToRemoteOnMiss(t *testing.T) {
	id := node.Of([]byte("fallback"), node.Null, node.Null)
	s := newTestStore(t, &fakeRemote{path: "f.txt", id: id, delta: []byte("fallback")})

	delta, _, _, _, err := s.GetDelta("f.txt", id)
	if err != nil {
		t.Fatal(err)
	}
	if string(delta) != "fallback" {
		t.Errorf("delta = %q, want fallback", delta)
	}
}

func TestGetDeltaWithoutRemoteIsMissing(t *testing.T) {
	s := newTestStore(t, nil)
	id := node.Of([]byte("nope"), node.Null, node.Null)
	_, _, _, _, err := s.GetDelta("g.txt", id)
	if !errors.Is(errors.Missing, err) {
		t.Fatalf("got %v, want Missing", err)
	}
}

func TestRepackMergesDataPacks(t *testing.T) {
	s := newTestStore(t, nil)
	for i := 0; i < 3; i++ {
		w := pack.NewWriter()
		id := node.Of([]byte{byte('a' + i)}, node.Null, node.Null)
		w.Add("h.txt", id, node.Null, []byte{byte('a' + i)}, pack.Metadata{})
		if _, err := w.Flush(s.dataDir); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Repack(Full); err != nil {
		t.Fatal(err)
	}
	entries, err := ioutil.ReadDir(s.dataDir)
	if err != nil {
		t.Fatal(err)
	}
	var dataPacks int
	for _, fi := range entries {
		if !fi.IsDir() && len(fi.Name()) > 9 && fi.Name()[len(fi.Name())-9:] == ".datapack" {
			dataPacks++
		}
	}
	if dataPacks != 1 {
		t.Errorf("got %d .datapack files after full repack, want 1", dataPacks)
	}
}
