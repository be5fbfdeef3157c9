// Package pcapio is PktMask's codec layer (spec §4.6): it streams packets
// from PCAP/PCAPNG captures and exposes layered, near-zero-copy access to
// their protocol stack, built on gopacket (the dependency the teacher's own
// pcap-cli submodule declares for this exact purpose).
package pcapio

import (
	"time"

	"github.com/google/gopacket/layers"
)

// Packet is one record read from a capture file. Data is the raw link-layer
// frame, owned by the caller and safe to mutate in place — every reader
// implementation hands back a freshly allocated buffer per packet.
type Packet struct {
	Timestamp time.Time
	LinkType  layers.LinkType
	Data      []byte

	// Truncated marks a packet whose captured length is shorter than its
	// wire length (a truncated/malformed frame per spec §4.6's
	// malformed-packet policy): such packets are passed through unmodified
	// by every stage and counted as diagnostics.
	Truncated bool
}

// Len returns the on-wire byte count of the frame as captured.
func (p *Packet) Len() int { return len(p.Data) }
