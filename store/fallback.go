// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"io"

	"remotefilelog.io/errors"
	"remotefilelog.io/histpack"
	"remotefilelog.io/node"
	"remotefilelog.io/pack"
	"remotefilelog.io/packset"
	"remotefilelog.io/wirepack"
)

// RemoteClient is the collaborator consulted on a cache miss (§6.4's
// "remote fetch"). request is a wirepack.EncodeRequest-encoded key list;
// the returned stream begins with a wirepack.WriteStreamHeader-framed
// StreamHeader naming the format version, immediately followed by the
// raw §4.9 byte stream wirepack.DecodeStream understands. The caller
// closes the returned stream.
type RemoteClient interface {
	Fetch(request []byte) (stream io.ReadCloser, err error)
}

// remoteFallback adapts a RemoteClient to unionstore.Fallback: it decodes
// the fetched stream straight into a mutable pack writer pair and flushes
// them into the pack-sets' directory, then marks both pack-sets for
// refresh so the next query picks up the new pair (§4.5, §6.1: "streamed
// straight into a mutable pack writer, which closes and renames the pack
// pair atomically").
type remoteFallback struct {
	client  RemoteClient
	packDir string
	dataSet *packset.Set
	histSet *packset.Set
}

func (f *remoteFallback) Fetch(keys []node.Key) error {
	const op = "store.remoteFallback.Fetch"
	if f.client == nil {
		return errors.E(errors.Op(op), errors.Network, errors.Str("no remote collaborator configured"))
	}
	if len(keys) == 0 {
		return nil
	}

	req, err := wirepack.EncodeRequest(keys)
	if err != nil {
		return errors.E(errors.Op(op), err)
	}
	stream, err := f.client.Fetch(req)
	if err != nil {
		return errors.E(errors.Op(op), errors.Network, err)
	}
	defer stream.Close()

	_, version, err := wirepack.ReadStreamHeader(stream)
	if err != nil {
		return errors.E(errors.Op(op), err)
	}

	dw := pack.NewWriter()
	hw := histpack.NewWriter()
	if err := wirepack.DecodeStream(stream, version, dw, hw); err != nil {
		return errors.E(errors.Op(op), errors.Corrupt, err)
	}

	if dw.Len() > 0 {
		if _, err := dw.Flush(f.packDir); err != nil {
			return errors.E(errors.Op(op), err)
		}
	}
	if hw.Len() > 0 {
		if _, err := hw.Flush(f.packDir); err != nil {
			return errors.E(errors.Op(op), err)
		}
	}

	f.dataSet.MarkForRefresh()
	f.histSet.MarkForRefresh()
	if err := f.dataSet.Refresh(true); err != nil {
		return errors.E(errors.Op(op), err)
	}
	if err := f.histSet.Refresh(true); err != nil {
		return errors.E(errors.Op(op), err)
	}
	return nil
}
