package mask

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/pktmask/pktmask/internal/flowkey"
)

func testFlow() flowkey.FlowKey {
	return flowkey.FlowKey{
		SrcIP:   netip.MustParseAddr("10.0.0.1"),
		DstIP:   netip.MustParseAddr("10.0.0.2"),
		SrcPort: 1234,
		DstPort: 443,
	}
}

func TestNormalizeMergesSameKindOverlaps(t *testing.T) {
	s := NewKeepRuleSet()
	f := testFlow()
	s.Add(KeepRule{Flow: f, Direction: flowkey.DirForward, SeqStart: 0, SeqEnd: 10, Kind: KindFullRecord})
	s.Add(KeepRule{Flow: f, Direction: flowkey.DirForward, SeqStart: 10, SeqEnd: 20, Kind: KindFullRecord})
	s.Add(KeepRule{Flow: f, Direction: flowkey.DirForward, SeqStart: 30, SeqEnd: 40, Kind: KindFullRecord})
	s.Normalize()

	rules := s.lookup(f, flowkey.DirForward, 0, 40)
	assert.Len(t, rules, 2, "adjacent same-kind rules merge; the gap at 20-30 keeps them separate")
	assert.Equal(t, uint64(0), rules[0].SeqStart)
	assert.Equal(t, uint64(20), rules[0].SeqEnd)
	assert.Equal(t, uint64(30), rules[1].SeqStart)
}

func TestNormalizeNeverMergesAcrossKinds(t *testing.T) {
	s := NewKeepRuleSet()
	f := testFlow()
	s.Add(KeepRule{Flow: f, Direction: flowkey.DirForward, SeqStart: 0, SeqEnd: 5, Kind: KindHeaderOnly})
	s.Add(KeepRule{Flow: f, Direction: flowkey.DirForward, SeqStart: 5, SeqEnd: 15, Kind: KindFullRecord})
	s.Normalize()

	rules := s.lookup(f, flowkey.DirForward, 0, 15)
	assert.Len(t, rules, 2, "a header-only rule must never merge into an adjacent full-record rule")
}

func TestLookupBinarySearchFindsOverlap(t *testing.T) {
	s := NewKeepRuleSet()
	f := testFlow()
	for i := 0; i < 100; i++ {
		start := uint64(i * 20)
		s.Add(KeepRule{Flow: f, Direction: flowkey.DirForward, SeqStart: start, SeqEnd: start + 5, Kind: KindFullRecord})
	}
	s.Normalize()

	rules := s.lookup(f, flowkey.DirForward, 1000, 1010)
	assert.Len(t, rules, 1)
	assert.Equal(t, uint64(1000), rules[0].SeqStart)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	s := NewKeepRuleSet()
	f := testFlow()
	s.Add(KeepRule{Flow: f, Direction: flowkey.DirForward, SeqStart: 0, SeqEnd: 10, Kind: KindFullRecord})
	s.Add(KeepRule{Flow: f, Direction: flowkey.DirForward, SeqStart: 10, SeqEnd: 20, Kind: KindFullRecord})
	s.Normalize()
	first := s.lookup(f, flowkey.DirForward, 0, 20)

	s.Normalize()
	second := s.lookup(f, flowkey.DirForward, 0, 20)

	addrCmp := cmp.Comparer(func(a, b netip.Addr) bool { return a == b })
	if diff := cmp.Diff(first, second, addrCmp); diff != "" {
		t.Fatalf("re-normalizing an already-normalized rule set changed its rules (-first +second):\n%s", diff)
	}
}

func TestDiscardsInvalidRange(t *testing.T) {
	s := NewKeepRuleSet()
	f := testFlow()
	s.Add(KeepRule{Flow: f, Direction: flowkey.DirForward, SeqStart: 10, SeqEnd: 10, Kind: KindFullRecord})
	assert.Equal(t, 1, s.DiscardedRules)
	assert.Equal(t, 0, s.TotalRules)
}
