// Package revocation tracks revoked capabilities with a two-layer index: a
// process-local Bloom filter plus FIFO cache in front of the authoritative
// Postgres table. Interactive checks fail open; stored-artifact checks fail
// closed.
package revocation

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
)

const (
	// Sizing targets: ~100k revocations at a 0.1% false-positive rate.
	defaultExpectedItems = 100_000
	defaultFalsePositive = 0.001

	// Probe count. Derived by double hashing over SHA-256 of the id.
	bloomHashCount = 10
)

// BloomFilter is an advisory membership filter over capability ids. A "no"
// answer is authoritative (nothing ever leaves the filter between rebuilds);
// a "maybe" must be confirmed against cache or store.
type BloomFilter struct {
	mu    sync.RWMutex
	bits  []uint64
	mBits uint64
	added int
}

// NewBloomFilter sizes the bit array as -n·ln(p)/(ln 2)² for n expected items
// at false-positive rate p.
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	if expectedItems <= 0 {
		expectedItems = defaultExpectedItems
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = defaultFalsePositive
	}

	m := uint64(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	return &BloomFilter{
		bits:  make([]uint64, (m+63)/64),
		mBits: m,
	}
}

// probes derives the two base hashes for double hashing (h1 + i·h2 mod m)
// from the SHA-256 of the capability id.
func probes(capabilityID string) (uint64, uint64) {
	sum := sha256.Sum256([]byte(capabilityID))
	h1 := binary.BigEndian.Uint64(sum[0:8])
	h2 := binary.BigEndian.Uint64(sum[8:16])
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

// Add marks a capability id as revoked in the filter.
func (f *BloomFilter) Add(capabilityID string) {
	h1, h2 := probes(capabilityID)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint64(0); i < bloomHashCount; i++ {
		idx := (h1 + i*h2) % f.mBits
		f.bits[idx/64] |= 1 << (idx % 64)
	}
	f.added++
}

// MayContain reports whether the id might have been added. False means
// definitely not present.
func (f *BloomFilter) MayContain(capabilityID string) bool {
	h1, h2 := probes(capabilityID)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < bloomHashCount; i++ {
		idx := (h1 + i*h2) % f.mBits
		if f.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// Added returns the number of ids inserted since construction or the last
// rebuild.
func (f *BloomFilter) Added() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.added
}

// BitSize returns the filter size in bits.
func (f *BloomFilter) BitSize() uint64 {
	return f.mBits
}
