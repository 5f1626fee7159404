// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command repackd runs one repack pass (full or incremental) against a
// pack-store cache directory and exits. It is meant to be invoked
// periodically by an external scheduler in deployments that disable the
// in-process opportunistic trigger (remotefilelog.gcrepack=false).
package main // import "remotefilelog.io/cmd/repackd"

import (
	"flag"
	"fmt"
	"os"

	"remotefilelog.io/config"
	"remotefilelog.io/errors"
	"remotefilelog.io/log"
	"remotefilelog.io/store"
)

func main() {
	cachePath := flag.String("cache", "", "pack-store cache directory (required)")
	configFile := flag.String("config", "", "optional YAML file overriding defaults")
	mode := flag.String("mode", "incremental", "repack mode: full or incremental")
	logLevel := flag.String("log", "info", "log level: debug, info, error, disabled")
	flag.Parse()

	if err := log.SetLevel(*logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "repackd: %v\n", err)
		os.Exit(2)
	}

	if *cachePath == "" {
		fmt.Fprintln(os.Stderr, "repackd: -cache is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.FromFile(*configFile)
	if err != nil {
		log.Error.Fatalf("repackd: loading config: %v", err)
	}
	cfg.CachePath = *cachePath

	var repackMode store.Mode
	switch *mode {
	case "full":
		repackMode = store.Full
	case "incremental":
		repackMode = store.Incremental
	default:
		log.Error.Fatalf("repackd: unrecognized -mode %q, want full or incremental", *mode)
	}

	s, err := store.New(cfg, nil /* no remote: this is an offline maintenance pass */, nil)
	if err != nil {
		log.Error.Fatalf("repackd: %v", err)
	}
	defer s.Close()

	if err := s.Repack(repackMode); err != nil {
		if errors.Is(errors.AlreadyRunning, err) {
			log.Info.Printf("repackd: a repack is already running in %s; exiting", *cachePath)
			return
		}
		log.Error.Fatalf("repackd: %v", err)
	}
	log.Info.Printf("repackd: %s repack of %s complete", *mode, *cachePath)
}
