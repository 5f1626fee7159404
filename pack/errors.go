// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pack

import "remotefilelog.io/errors"

var (
	errShortMetadata = errors.Str("pack: truncated metadata section")
	errShortEntry    = errors.Str("pack: truncated data entry")
	errBadVersion    = errors.Str("pack: unsupported data file version")
)
