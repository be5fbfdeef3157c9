package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineKeepDropsExactDuplicates(t *testing.T) {
	e := New()

	frameA := []byte{1, 2, 3, 4}
	frameB := []byte{9, 9, 9}

	require.True(t, e.Keep(frameA), "first occurrence of A must be kept")
	require.True(t, e.Keep(frameB), "first occurrence of B must be kept")
	assert.False(t, e.Keep(frameA), "second occurrence of A must be dropped")
	assert.False(t, e.Keep(frameA), "third occurrence of A must be dropped")
	assert.True(t, e.Keep(append([]byte{}, frameB...)) == false, "duplicate of B (different backing array) must be dropped")
}

func TestEngineZeroLengthFramesDedupByDigest(t *testing.T) {
	e := New()
	require.True(t, e.Keep([]byte{}))
	assert.False(t, e.Keep([]byte{}), "a second zero-length frame collides with the first and is dropped")
}

func TestEngineIdempotentRunIsNoop(t *testing.T) {
	// Running dedup on its own (already deduplicated) output must be a
	// no-op: every packet is still a first occurrence.
	e1 := New()
	frames := [][]byte{{1}, {2}, {1}, {3}, {2}}
	var kept [][]byte
	for _, f := range frames {
		if e1.Keep(f) {
			kept = append(kept, f)
		}
	}
	assert.Equal(t, [][]byte{{1}, {2}, {3}}, kept)

	e2 := New()
	var keptAgain [][]byte
	for _, f := range kept {
		if e2.Keep(f) {
			keptAgain = append(keptAgain, f)
		}
	}
	assert.Equal(t, kept, keptAgain)
}
