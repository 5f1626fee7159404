// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// +build debug

package errors_test

import (
	"strings"
	"testing"

	"remotefilelog.io/errors"
)

// TestDebug verifies that, under the debug build tag, the error text keeps
// its normal fields and wrapped message and also carries a stack trace that
// names the function which built the error.
func TestDebug(t *testing.T) {
	err := func1()
	got := err.Error()
	if !strings.Contains(got, "foo/bar.txt: op") {
		t.Fatalf("error text missing expected fields, got:\n%s", got)
	}
	if !strings.Contains(got, "deepest failure") {
		t.Fatalf("error text missing wrapped message, got:\n%s", got)
	}
	if !strings.Contains(got, "func2") {
		t.Fatalf("error text missing expected stack frame, got:\n%s", got)
	}
}

func func1() error {
	var s S
	return s.func2()
}

type S struct{}

func (S) func2() error {
	return errors.E(errors.Op("op"), errors.Path("foo/bar.txt"), func3())
}

func func3() error {
	return func4()
}

func func4() error {
	return errors.Str("deepest failure")
}
