// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config parses the recognized option set (§6.4) for the
// pack-store core from a comma-separated key=value string or a YAML file.
package config // import "remotefilelog.io/config"

import (
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"

	"remotefilelog.io/errors"
)

// ValidateCache enumerates remotefilelog.validatecache.
type ValidateCache string

// Recognized values for ValidateCache.
const (
	ValidateOff    ValidateCache = "off"
	ValidateOn     ValidateCache = "on"
	ValidateStrict ValidateCache = "strict"
)

// Generations configures an incremental repack engine's size buckets
// (§4.8), e.g. [Inf, 100MiB, 1MiB, 0] yielding buckets [0,1MiB), [1MiB,
// 100MiB), [100MiB,Inf).
type Generations []int64

// RepackTuning configures one incremental repack family (data or history).
type RepackTuning struct {
	GenCountLimit     int         // packs in a bucket before it's eligible
	Generations       Generations // size-bucket boundaries, descending
	MaxRepackPacks    int         // packs merged per invocation
	RepackMaxPackSize int64       // skip any source pack larger than this
	RepackSizeLimit   int64       // cap on a batch's combined input size
}

// Config holds the recognized option set from spec §6.4.
type Config struct {
	CachePath string
	// CacheLimit bounds the loose-file tier's total size (§4.4 GC).
	CacheLimit int64

	MaxPackFileCount int
	MaxPackSize      int64
	MaxChainLen      int

	GCRepack bool
	NodeTTL  time.Duration

	// GroupSticky makes the loose-file tier create shard directories
	// set-group-id and group-writable, for a cache shared by more than
	// one system user (§5).
	GroupSticky bool

	Data    RepackTuning
	History RepackTuning

	ValidateCache        ValidateCache
	ValidateCacheHashes  bool
}

// Default returns a Config with the defaults this implementation uses when
// an option is left unset.
func Default() *Config {
	return &Config{
		CacheLimit:           10 << 30, // 10 GiB
		MaxPackFileCount:     1 << 20,
		MaxPackSize:          10 << 30,
		MaxChainLen:          1000,
		GCRepack:             true,
		NodeTTL:              30 * 24 * time.Hour,
		GroupSticky:          false,
		Data:                 defaultTuning(),
		History:              defaultTuning(),
		ValidateCache:        ValidateOff,
		ValidateCacheHashes:  false,
	}
}

func defaultTuning() RepackTuning {
	return RepackTuning{
		GenCountLimit:     2,
		Generations:       Generations{-1, 100 << 20, 1 << 20, 0}, // Inf, 100MiB, 1MiB, 0
		MaxRepackPacks:    50,
		RepackMaxPackSize: 4 << 30,
		RepackSizeLimit:   100 << 20,
	}
}

// knownKeys lists every key FromOptions/FromYAML recognizes (§6.4);
// anything else is an errors.Invalid error.
var knownKeys = map[string]bool{
	"cachepath":                              true,
	"cachelimit":                             true,
	"packs.maxpackfilecount":                 true,
	"packs.maxpacksize":                      true,
	"packs.maxchainlen":                      true,
	"remotefilelog.gcrepack":                 true,
	"remotefilelog.nodettl":                  true,
	"remotefilelog.groupsticky":              true,
	"remotefilelog.data.gencountlimit":       true,
	"remotefilelog.data.generations":         true,
	"remotefilelog.data.maxrepackpacks":      true,
	"remotefilelog.data.repackmaxpacksize":   true,
	"remotefilelog.data.repacksizelimit":     true,
	"remotefilelog.history.gencountlimit":    true,
	"remotefilelog.history.generations":      true,
	"remotefilelog.history.maxrepackpacks":   true,
	"remotefilelog.history.repackmaxpacksize": true,
	"remotefilelog.history.repacksizelimit":  true,
	"remotefilelog.validatecache":            true,
	"remotefilelog.validatecachehashes":      true,
}

// FromOptions parses a comma-separated key=value option string, applying
// values on top of Default(). This mirrors the "backend=gcs,region=..."
// option-string convention the teacher's storage backends accept.
func FromOptions(options string) (*Config, error) {
	const op = "config.FromOptions"
	cfg := Default()
	if options == "" {
		return cfg, nil
	}
	for _, kv := range strings.Split(options, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		i := strings.IndexByte(kv, '=')
		if i < 0 {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("malformed option %q", kv))
		}
		key, val := kv[:i], kv[i+1:]
		if !knownKeys[key] {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("unrecognized key %q", key))
		}
		if err := cfg.set(key, val); err != nil {
			return nil, errors.E(op, errors.Invalid, err)
		}
	}
	return cfg, nil
}

// FromYAML parses a YAML document overriding Default(). Unknown keys are
// an error, matching FromOptions.
func FromYAML(data []byte) (*Config, error) {
	const op = "config.FromYAML"
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, raw); err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	cfg := Default()
	for k, v := range raw {
		if !knownKeys[k] {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("unrecognized key %q", k))
		}
		s, err := asString(v)
		if err != nil {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("%q: %v", k, err))
		}
		if err := cfg.set(k, s); err != nil {
			return nil, errors.E(op, errors.Invalid, err)
		}
	}
	return cfg, nil
}

// FromFile reads and parses a YAML config file, as produced by a cache
// administrator's config override. A missing file is not an error; the
// defaults are returned unchanged.
func FromFile(path string) (*Config, error) {
	const op = "config.FromFile"
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, errors.E(op, err)
	}
	return FromYAML(data)
}

func asString(v interface{}) (string, error) {
	switch vc := v.(type) {
	case int, int64, float64, bool:
		return strconv.FormatInt(toInt64(vc), 10), nil
	case string:
		return vc, nil
	case []interface{}:
		parts := make([]string, len(vc))
		for i, e := range vc {
			s, err := asString(e)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return strings.Join(parts, ";"), nil
	default:
		return "", errors.Errorf("unrecognized value %T", v)
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case bool:
		if n {
			return 1
		}
		return 0
	}
	return 0
}

func (cfg *Config) set(key, val string) error {
	switch key {
	case "cachepath":
		cfg.CachePath = val
	case "cachelimit":
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return errors.Errorf("cachelimit: %v", err)
		}
		cfg.CacheLimit = n
	case "packs.maxpackfilecount":
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.Errorf("packs.maxpackfilecount: %v", err)
		}
		cfg.MaxPackFileCount = n
	case "packs.maxpacksize":
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return errors.Errorf("packs.maxpacksize: %v", err)
		}
		cfg.MaxPackSize = n
	case "packs.maxchainlen":
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.Errorf("packs.maxchainlen: %v", err)
		}
		cfg.MaxChainLen = n
	case "remotefilelog.gcrepack":
		cfg.GCRepack = isTruthy(val)
	case "remotefilelog.nodettl":
		d, err := time.ParseDuration(val)
		if err != nil {
			return errors.Errorf("remotefilelog.nodettl: %v", err)
		}
		cfg.NodeTTL = d
	case "remotefilelog.groupsticky":
		cfg.GroupSticky = isTruthy(val)
	case "remotefilelog.validatecache":
		vc := ValidateCache(val)
		if vc != ValidateOff && vc != ValidateOn && vc != ValidateStrict {
			return errors.Errorf("remotefilelog.validatecache: %q not one of off, on, strict", val)
		}
		cfg.ValidateCache = vc
	case "remotefilelog.validatecachehashes":
		cfg.ValidateCacheHashes = isTruthy(val)
	default:
		if err := setTuning(&cfg.Data, "remotefilelog.data.", key, val); err == nil {
			return nil
		} else if err != errNoMatch {
			return err
		}
		if err := setTuning(&cfg.History, "remotefilelog.history.", key, val); err == nil {
			return nil
		} else if err != errNoMatch {
			return err
		}
		return errors.Errorf("unrecognized key %q", key)
	}
	return nil
}

var errNoMatch = errors.Str("config: key does not match prefix")

func setTuning(t *RepackTuning, prefix, key, val string) error {
	if !strings.HasPrefix(key, prefix) {
		return errNoMatch
	}
	switch strings.TrimPrefix(key, prefix) {
	case "gencountlimit":
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.Errorf("%s: %v", key, err)
		}
		t.GenCountLimit = n
	case "generations":
		gens, err := parseGenerations(val)
		if err != nil {
			return errors.Errorf("%s: %v", key, err)
		}
		t.Generations = gens
	case "maxrepackpacks":
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.Errorf("%s: %v", key, err)
		}
		t.MaxRepackPacks = n
	case "repackmaxpacksize":
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return errors.Errorf("%s: %v", key, err)
		}
		t.RepackMaxPackSize = n
	case "repacksizelimit":
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return errors.Errorf("%s: %v", key, err)
		}
		t.RepackSizeLimit = n
	default:
		return errNoMatch
	}
	return nil
}

// parseGenerations parses a ";" or "," separated list of sizes, accepting
// "inf"/"infinity" (case-insensitive) for an unbounded top bucket.
func parseGenerations(val string) (Generations, error) {
	sep := ","
	if strings.Contains(val, ";") {
		sep = ";"
	}
	fields := strings.Split(val, sep)
	gens := make(Generations, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		low := strings.ToLower(f)
		if low == "inf" || low == "infinity" {
			gens = append(gens, -1) // sentinel: unbounded
			continue
		}
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, err
		}
		gens = append(gens, n)
	}
	return gens, nil
}

func isTruthy(val string) bool {
	switch strings.ToLower(val) {
	case "1", "y", "yes", "true", "on":
		return true
	}
	return false
}
