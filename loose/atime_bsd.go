// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// +build darwin freebsd netbsd

package loose

import (
	"os"
	"syscall"
	"time"
)

func atime(fi os.FileInfo) time.Time {
	t := fi.Sys().(*syscall.Stat_t).Atimespec
	return time.Unix(int64(t.Sec), int64(t.Nsec))
}
