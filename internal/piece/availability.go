package piece

import (
	"math/bits"
	"sync"

	"github.com/pcswarm/pcswarm/pkg/config"
)

// availabilityBucket tracks, for each availability count, the dense set of
// piece indices currently at that count. Moving a piece between counts is
// O(1); walking every piece in ascending availability order is O(P) total.
type availabilityBucket struct {
	mu sync.Mutex

	buckets      [][]int
	avail        []int
	pos          []int
	maxAvail     int
	nonEmptyBits []uint64
}

func newAvailabilityBucket(pieceCount int) *availabilityBucket {
	maxAvail := config.Load().MaxPeers
	if maxAvail < 1 {
		maxAvail = 1
	}

	b := &availabilityBucket{
		maxAvail:     maxAvail,
		buckets:      make([][]int, maxAvail+1),
		avail:        make([]int, pieceCount),
		pos:          make([]int, pieceCount),
		nonEmptyBits: make([]uint64, (maxAvail>>6)+1),
	}

	b.buckets[0] = make([]int, pieceCount)
	for i := 0; i < pieceCount; i++ {
		b.buckets[0][i] = i
		b.pos[i] = i
	}
	if pieceCount > 0 {
		b.setBit(0)
	}

	return b
}

// Availability returns the current availability count for piece i.
func (b *availabilityBucket) Availability(i int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.avail[i]
}

// Move changes piece i's availability by delta, clamped to [0, maxAvail].
func (b *availabilityBucket) Move(i, delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldA := b.avail[i]
	newA := oldA + delta
	if newA < 0 {
		newA = 0
	} else if newA > b.maxAvail {
		newA = b.maxAvail
	}
	if newA == oldA {
		return
	}

	bucket := b.buckets[oldA]
	p := b.pos[i]
	last := len(bucket) - 1
	bucket[p] = bucket[last]
	b.pos[bucket[p]] = p
	bucket = bucket[:last]
	b.buckets[oldA] = bucket
	if len(bucket) == 0 {
		b.clearBit(oldA)
	}

	b.buckets[newA] = append(b.buckets[newA], i)
	b.pos[i] = len(b.buckets[newA]) - 1
	b.setBit(newA)

	b.avail[i] = newA
}

// ascending calls fn for every piece index, in increasing order of
// availability. Ties among pieces at the same availability are visited in
// bucket order, which is unspecified and may change as pieces move.
func (b *availabilityBucket) ascending(fn func(index int)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for w := 0; w < len(b.nonEmptyBits); w++ {
		x := b.nonEmptyBits[w]
		for x != 0 {
			off := bits.TrailingZeros64(x)
			a := w<<6 + off
			for _, idx := range b.buckets[a] {
				fn(idx)
			}
			x &^= 1 << uint(off)
		}
	}
}

func (b *availabilityBucket) setBit(a int) {
	w, bit := a>>6, uint(a&63)
	b.nonEmptyBits[w] |= 1 << bit
}

func (b *availabilityBucket) clearBit(a int) {
	w, bit := a>>6, uint(a&63)
	b.nonEmptyBits[w] &^= 1 << bit
}
