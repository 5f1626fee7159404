// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// +build windows

package loose

import (
	"os"
	"syscall"
	"time"
)

func atime(fi os.FileInfo) time.Time {
	t := fi.Sys().(*syscall.Win32FileAttributeData).LastAccessTime
	return time.Unix(0, t.Nanoseconds())
}
