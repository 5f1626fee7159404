// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package histpack

import "remotefilelog.io/errors"

var (
	errShortEntry = errors.Str("histpack: truncated history entry")
	errBadVersion = errors.Str("histpack: unsupported history file version")
)
