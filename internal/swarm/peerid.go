package swarm

import (
	"crypto/sha1"
	"fmt"
	"math/rand"
)

// NewPeerID generates this process's local peer identifier: the 8-byte
// client prefix (e.g. "-PC0001-") followed by 12 ASCII digits, once per
// process.
func NewPeerID(prefix string) [sha1.Size]byte {
	var id [sha1.Size]byte

	n := copy(id[:], prefix)
	digits := fmt.Sprintf("%012d", rand.Int63n(1e12))
	copy(id[n:], digits)

	return id
}
