package anonymize

import (
	"net/netip"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixPreservingSharesCommonPrefix(t *testing.T) {
	m := NewIpMap(MethodPrefixPreserving, 24, 64, []byte("test-key"))

	a := netip.MustParseAddr("192.168.1.1")
	b := netip.MustParseAddr("192.168.1.2")

	pa := m.Observe(a)
	pb := m.Observe(b)

	require.True(t, pa.Is4())
	require.True(t, pb.Is4())
	assert.Equal(t, pa.As4()[:3], pb.As4()[:3], "addresses sharing a /24 must share a pseudonym /24")
	assert.NotEqual(t, pa, pb, "distinct hosts within the shared prefix get distinct pseudonyms")
}

func TestDeterministicAcrossObservations(t *testing.T) {
	m := NewIpMap(MethodPrefixPreserving, 24, 64, []byte("test-key"))
	a := netip.MustParseAddr("10.0.0.5")

	p1 := m.Observe(a)
	p2 := m.Observe(a)
	assert.Equal(t, p1, p2, "the same address observed twice must map to the same pseudonym")
}

func TestDeterministicAcrossTwoMapsWithSameKey(t *testing.T) {
	// Shows that two IpMaps built with the same key produce the same
	// pseudonym for one address: the mapping is a deterministic function of
	// key and address, which "same input address maps the same way across
	// all files in one run" (spec §3 invariant 4) relies on.
	keyed := []byte("run-key")
	m1 := NewIpMap(MethodHash, 24, 64, keyed)
	m2 := NewIpMap(MethodHash, 24, 64, keyed)

	a := netip.MustParseAddr("10.0.0.5")
	assert.Equal(t, m1.Observe(a), m2.Observe(a))
}

func TestHashStrategyResolvesCollisions(t *testing.T) {
	h := &Hash{Key: []byte("k")}
	used := mapset.NewThreadUnsafeSet[netip.Addr]()

	addr := netip.MustParseAddr("8.8.8.8")
	first := h.Pseudonymize(addr, used)
	used.Add(first)
	second := h.Pseudonymize(addr, used)
	assert.NotEqual(t, first, second)
}
