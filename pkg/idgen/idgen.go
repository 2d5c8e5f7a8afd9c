// Package idgen mints the two per-torrent identifiers the announcer needs
// for their whole lifetime: the 20-byte peer id sent on every announce, and
// the 32-bit key= value used to disambiguate a client across IP changes.
//
// Neither value needs to resist spoofing (unlike a UDP transaction id,
// spec §9 "Rand sources"), only to be stable and effectively unique, so
// both are derived from a single google/uuid draw instead of a bespoke
// alphanumeric RNG.
package idgen

import (
	"crypto/sha1"
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// PeerID builds a peer id in Azureus-style convention: a fixed client
// prefix (e.g. "-BC0001-") followed by 12 pseudo-random alphanumerics
// derived from a fresh UUID.
func PeerID(clientPrefix string) [20]byte {
	var id [20]byte
	copy(id[:], clientPrefix)

	u := uuid.New()
	suffix := alphanumerics(u[:], 20-len(clientPrefix))
	copy(id[len(clientPrefix):], suffix)

	return id
}

// Key derives the per-torrent 32-bit key= value (spec §4.5) from a fresh
// UUID, stable for the torrent's lifetime once generated.
func Key() uint32 {
	u := uuid.New()
	return uint32(u[0])<<24 | uint32(u[1])<<16 | uint32(u[2])<<8 | uint32(u[3])
}

// alphanumerics derives n lowercase base32-alphabet bytes (5 bits each) from
// the SHA-1 of seed, repeating the 32-character encoding when n exceeds it.
func alphanumerics(seed []byte, n int) []byte {
	sum := sha1.Sum(seed)
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:])
	encoded = strings.ToLower(encoded)

	for len(encoded) < n {
		encoded += encoded
	}
	return []byte(encoded[:n])
}
