// Package flowkey identifies TCP half-flows and lifts their 32-bit sequence
// numbers into a monotone 64-bit logical space, per spec §3 (FlowKey,
// SeqState) and §9 ("model it as a small value type, not a hash keyed by
// packet").
package flowkey

import (
	"net/netip"

	"github.com/segmentio/fasthash/fnv1a"
)

// Direction distinguishes the two halves of one TCP conversation. A FlowKey
// is direction-sensitive: traffic from A->B and B->A are different keys.
type Direction uint8

const (
	DirForward Direction = iota
	DirReverse
)

// FlowKey is the direction-sensitive five-tuple identifying one TCP
// half-flow (spec GLOSSARY: "Flow").
type FlowKey struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
}

// Hash folds the key into a uint64 for use with haxmap/skipmap-backed flow
// tables, following the teacher's flow_mutex.go precedent of keying
// concurrent maps by a uint64 flow id rather than the tuple itself.
func (k FlowKey) Hash() uint64 {
	h := fnv1a.Init64
	for _, b := range k.SrcIP.AsSlice() {
		h = fnv1a.AddByte64(h, b)
	}
	for _, b := range k.DstIP.AsSlice() {
		h = fnv1a.AddByte64(h, b)
	}
	h = fnv1a.AddUint64(h, uint64(k.SrcPort)<<16|uint64(k.DstPort))
	return h
}

// Canonical returns the FlowKey and Direction such that two packets of the
// same TCP conversation, regardless of which endpoint sent them, resolve to
// the same canonical FlowKey. This is how rule tables and sequence state are
// actually indexed: one entry per conversation, split by Direction.
func Canonical(srcIP, dstIP netip.Addr, srcPort, dstPort uint16) (FlowKey, Direction) {
	fwd := FlowKey{SrcIP: srcIP, DstIP: dstIP, SrcPort: srcPort, DstPort: dstPort}
	rev := FlowKey{SrcIP: dstIP, DstIP: srcIP, SrcPort: dstPort, DstPort: srcPort}
	if less(fwd, rev) {
		return fwd, DirForward
	}
	return rev, DirReverse
}

func less(a, b FlowKey) bool {
	if c := a.SrcIP.Compare(b.SrcIP); c != 0 {
		return c < 0
	}
	if c := a.DstIP.Compare(b.DstIP); c != 0 {
		return c < 0
	}
	if a.SrcPort != b.SrcPort {
		return a.SrcPort < b.SrcPort
	}
	return a.DstPort < b.DstPort
}

// SeqState is the per-flow-direction 32-bit to 64-bit sequence-number lift
// (spec §3). The invariant: a new sample s with (last - s) > 2^31 bumps the
// epoch, matching TCP wrap semantics.
type SeqState struct {
	lastSeen *uint32
	epoch    uint32
}

// Lift computes the 64-bit logical sequence number for raw 32-bit sample s,
// updating internal wrap-tracking state. It must be called once per segment
// in capture order for a given flow direction.
func (s *SeqState) Lift(sample uint32) uint64 {
	if s.lastSeen != nil {
		last := *s.lastSeen
		if last > sample && (last-sample) > (1<<31) {
			s.epoch++
		}
	}
	v := sample
	s.lastSeen = &v
	return (uint64(s.epoch) << 32) | uint64(sample)
}

// Peek computes the logical sequence number sample would lift to without
// mutating state, used when validating retransmissions against an already
// observed sample.
func (s *SeqState) Peek(sample uint32) uint64 {
	epoch := s.epoch
	if s.lastSeen != nil {
		last := *s.lastSeen
		if last > sample && (last-sample) > (1<<31) {
			epoch++
		}
	}
	return (uint64(epoch) << 32) | uint64(sample)
}
