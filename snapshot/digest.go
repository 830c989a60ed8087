// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"encoding/hex"
	"hash"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 digest of a snapshot archive's
// compressed bytes, recorded in the snapshot's metadata. Restore does
// not check it, and it is not used as a content-addressed storage key;
// see DESIGN.md's Open Question resolutions.
type Digest [32]byte

// domainKey separates snapshot-archive hashes from any other BLAKE3
// keyed domain this module might add later.
var domainKey = [32]byte{
	's', 'a', 'n', 'd', 'b', 'o', 'x', 'd', '.', 's', 'n', 'a', 'p', 's', 'h', 'o', 't',
	'.', 'a', 'r', 'c', 'h', 'i', 'v', 'e', 0, 0, 0, 0, 0, 0, 0,
}

// newHasher returns a keyed BLAKE3 hasher in the snapshot-archive
// domain, suitable for wrapping in an io.MultiWriter alongside the
// archive's destination writer.
func newHasher() hash.Hash {
	h, err := blake3.NewKeyed(domainKey[:])
	if err != nil {
		panic("snapshot: blake3 keyed hash initialization failed: " + err.Error())
	}
	return h
}

func sumDigest(h hash.Hash) Digest {
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// String returns the hex-encoded digest, the canonical form recorded
// in snapshot metadata.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}
