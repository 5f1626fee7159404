// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// +build !debug

package errors

import (
	"os"
	"os/exec"
	"testing"
)

func TestDebug(t *testing.T) {
	// Test with -tags debug to run the tests in debug_test.go
	cmd := exec.Command("go", "test", "-tags", "debug")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("external go test failed: %v", err)
	}
}

func TestMarshal(t *testing.T) {
	path := Path("foo/bar.txt")
	ref := Ref([]byte{1, 2, 3, 4})

	// Single error.
	e1 := E(Op("Get"), path, Network, "connection reset")

	// Nested error.
	e2 := E(Op("GetDeltaChain"), path, ref, Other, e1)

	b := MarshalError(e2)
	e3 := UnmarshalError(b)

	in := e2.(*Error)
	out := e3.(*Error)
	if in.Path != out.Path {
		t.Errorf("expected Path %q; got %q", in.Path, out.Path)
	}
	if string(in.Ref) != string(out.Ref) {
		t.Errorf("expected Ref %x; got %x", in.Ref, out.Ref)
	}
	if in.Op != out.Op {
		t.Errorf("expected Op %q; got %q", in.Op, out.Op)
	}
	if in.Kind != out.Kind {
		t.Errorf("expected kind %d; got %d", in.Kind, out.Kind)
	}
	// Note that error will have lost type information, so just check its Error string.
	if in.Err.Error() != out.Err.Error() {
		t.Errorf("expected Err %q; got %q", in.Err, out.Err)
	}
}

func TestSeparator(t *testing.T) {
	defer func(prev string) {
		Separator = prev
	}(Separator)
	Separator = ":: "

	path := Path("foo/bar.txt")

	e1 := E(Op("Get"), path, Network, "connection reset")
	e2 := E(Op("GetDeltaChain"), path, Other, e1)

	want := "foo/bar.txt: GetDeltaChain: network error:: Get: connection reset"
	if errorAsString(e2) != want {
		t.Errorf("expected %q; got %q", want, errorAsString(e2))
	}
}

func TestDoesNotChangePreviousError(t *testing.T) {
	err := E(Corrupt)
	err2 := E(Op("I will NOT modify err"), err)

	expected := "I will NOT modify err: corrupt"
	if errorAsString(err2) != expected {
		t.Fatalf("Expected %q, got %q", expected, errorAsString(err2))
	}
	kind := err.(*Error).Kind
	if kind != Corrupt {
		t.Fatalf("Expected kind %v, got %v", Corrupt, kind)
	}
}

func TestNoArgs(t *testing.T) {
	if E() != nil {
		t.Fatal("E() with no args should return nil")
	}
}

type kindTest struct {
	err  error
	kind Kind
	want bool
}

var kindTests = []kindTest{
	// Non-Error errors.
	{nil, Missing, false},
	{Str("not an *Error"), Missing, false},

	// Basic comparisons.
	{E(Missing), Missing, true},
	{E(Corrupt), Missing, false},
	{E(Op("no kind")), Missing, false},
	{E(Op("no kind")), Other, false},

	// Nested *Error values.
	{E(Op("Nesting"), E(Missing)), Missing, true},
	{E(Op("Nesting"), E(Corrupt)), Missing, false},
	{E(Op("Nesting"), E(Op("no kind"))), Missing, false},
	{E(Op("Nesting"), E(Op("no kind"))), Other, false},
}

func TestKind(t *testing.T) {
	for _, test := range kindTests {
		got := Is(test.kind, test.err)
		if got != test.want {
			t.Errorf("Is(%q, %v)=%t; want %t", test.kind, test.err, got, test.want)
		}
	}
}

// errorAsString returns the string form of the provided error value.
// If the given error is an *Error, the stack information is removed
// before the value is stringified.
func errorAsString(err error) string {
	if e, ok := err.(*Error); ok {
		e2 := *e
		e2.stack = stack{}
		return e2.Error()
	}
	return err.Error()
}
