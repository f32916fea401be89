package revocation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBloomFilter_AddedIDsAlwaysHit(t *testing.T) {
	f := NewBloomFilter(1000, 0.001)
	for i := 0; i < 1000; i++ {
		f.Add(fmt.Sprintf("cap-%d", i))
	}
	for i := 0; i < 1000; i++ {
		assert.True(t, f.MayContain(fmt.Sprintf("cap-%d", i)), "no false negatives allowed")
	}
	assert.Equal(t, 1000, f.Added())
}

func TestBloomFilter_FalsePositiveRate(t *testing.T) {
	f := NewBloomFilter(10_000, 0.001)
	for i := 0; i < 10_000; i++ {
		f.Add(fmt.Sprintf("revoked-%d", i))
	}

	hits := 0
	const probes = 20_000
	for i := 0; i < probes; i++ {
		if f.MayContain(fmt.Sprintf("live-%d", i)) {
			hits++
		}
	}
	// Target rate is 0.1%; allow an order of magnitude of slack to keep the
	// test deterministic across hash distributions.
	assert.Less(t, float64(hits)/probes, 0.01, "false positive rate far above target")
}

func TestBloomFilter_SizedFromFormula(t *testing.T) {
	f := NewBloomFilter(100_000, 0.001)
	// -100000 * ln(0.001) / ln(2)^2 ≈ 1.44 Mbit.
	assert.InDelta(t, 1_437_759, float64(f.BitSize()), 2000)
}

func TestBloomFilter_EmptyContainsNothing(t *testing.T) {
	f := NewBloomFilter(100, 0.01)
	assert.False(t, f.MayContain("anything"))
}
