// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.MaxChainLen != 1000 {
		t.Errorf("MaxChainLen = %d, want 1000", cfg.MaxChainLen)
	}
	if cfg.ValidateCache != ValidateOff {
		t.Errorf("ValidateCache = %v, want %v", cfg.ValidateCache, ValidateOff)
	}
}

func TestFromOptions(t *testing.T) {
	cfg, err := FromOptions("cachepath=/var/cache/remotefilelog,cachelimit=1073741824,packs.maxchainlen=50,remotefilelog.gcrepack=false,remotefilelog.nodettl=72h")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CachePath != "/var/cache/remotefilelog" {
		t.Errorf("CachePath = %q, want /var/cache/remotefilelog", cfg.CachePath)
	}
	if cfg.CacheLimit != 1073741824 {
		t.Errorf("CacheLimit = %d, want 1073741824", cfg.CacheLimit)
	}
	if cfg.MaxChainLen != 50 {
		t.Errorf("MaxChainLen = %d, want 50", cfg.MaxChainLen)
	}
	if cfg.GCRepack {
		t.Error("GCRepack = true, want false")
	}
	if cfg.NodeTTL != 72*time.Hour {
		t.Errorf("NodeTTL = %v, want 72h", cfg.NodeTTL)
	}
}

func TestFromOptionsGroupSticky(t *testing.T) {
	cfg, err := FromOptions("remotefilelog.groupsticky=true")
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.GroupSticky {
		t.Error("GroupSticky = false, want true")
	}
	if Default().GroupSticky {
		t.Error("Default().GroupSticky = true, want false")
	}
}

func TestFromOptionsTuning(t *testing.T) {
	cfg, err := FromOptions("remotefilelog.data.gencountlimit=3,remotefilelog.data.generations=1048576;104857600,remotefilelog.history.maxrepackpacks=10")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Data.GenCountLimit != 3 {
		t.Errorf("Data.GenCountLimit = %d, want 3", cfg.Data.GenCountLimit)
	}
	if len(cfg.Data.Generations) != 2 || cfg.Data.Generations[0] != 1048576 || cfg.Data.Generations[1] != 104857600 {
		t.Errorf("Data.Generations = %v, want [1048576 104857600]", cfg.Data.Generations)
	}
	if cfg.History.MaxRepackPacks != 10 {
		t.Errorf("History.MaxRepackPacks = %d, want 10", cfg.History.MaxRepackPacks)
	}
	// Data tuning is untouched by the history.* option.
	if cfg.Data.MaxRepackPacks != defaultTuning().MaxRepackPacks {
		t.Errorf("Data.MaxRepackPacks = %d, want default", cfg.Data.MaxRepackPacks)
	}
}

func TestFromOptionsUnknownKey(t *testing.T) {
	if _, err := FromOptions("bogus.key=1"); err == nil {
		t.Fatal("expected error for unrecognized key")
	}
}

func TestFromOptionsMalformed(t *testing.T) {
	if _, err := FromOptions("cachepath"); err == nil {
		t.Fatal("expected error for missing '='")
	}
}

func TestFromYAML(t *testing.T) {
	data := []byte(`
cachepath: /home/user/.cache/remotefilelog
cachelimit: 2147483648
remotefilelog.validatecache: strict
remotefilelog.validatecachehashes: true
`)
	cfg, err := FromYAML(data)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CachePath != "/home/user/.cache/remotefilelog" {
		t.Errorf("CachePath = %q", cfg.CachePath)
	}
	if cfg.CacheLimit != 2147483648 {
		t.Errorf("CacheLimit = %d", cfg.CacheLimit)
	}
	if cfg.ValidateCache != ValidateStrict {
		t.Errorf("ValidateCache = %v, want strict", cfg.ValidateCache)
	}
	if !cfg.ValidateCacheHashes {
		t.Error("ValidateCacheHashes = false, want true")
	}
}

func TestFromYAMLUnknownKey(t *testing.T) {
	if _, err := FromYAML([]byte("bogus: 1\n")); err == nil {
		t.Fatal("expected error for unrecognized key")
	}
}

func TestFromFileMissing(t *testing.T) {
	cfg, err := FromFile(filepath.Join(os.TempDir(), "remotefilelog-config-does-not-exist.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	if cfg.MaxChainLen != want.MaxChainLen {
		t.Errorf("FromFile on missing file did not return defaults")
	}
}

func TestFromFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "remotefilelog-config-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "config.yaml")
	if err := ioutil.WriteFile(path, []byte("cachelimit: 555\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := FromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CacheLimit != 555 {
		t.Errorf("CacheLimit = %d, want 555", cfg.CacheLimit)
	}
}

func TestParseGenerations(t *testing.T) {
	gens, err := parseGenerations("inf,100000,0")
	if err != nil {
		t.Fatal(err)
	}
	if len(gens) != 3 || gens[0] != -1 || gens[1] != 100000 || gens[2] != 0 {
		t.Errorf("parseGenerations = %v", gens)
	}
}
