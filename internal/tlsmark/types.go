// Package tlsmark implements the TLS marker (spec §4.4): it shells out to an
// external deep-parser to learn where TLS records sit inside (possibly
// segmented) TCP streams, re-validates every claim against the actual
// segment bytes, and emits a mask.KeepRuleSet.
package tlsmark

import (
	"net/netip"

	"github.com/pktmask/pktmask/internal/mask"
)

// ContentType mirrors the TLS record content-type byte (RFC 8446 §5.1).
type ContentType uint8

const (
	ContentChangeCipherSpec ContentType = 20
	ContentAlert            ContentType = 21
	ContentHandshake        ContentType = 22
	ContentApplicationData  ContentType = 23
)

const (
	tlsMaxRecordLength = 16384
	tlsHeaderLength    = 5
	ccsMaxBodyLength   = 2
	alertMaxBodyLength = 2
)

// Config selects which TLS record types are preserved (spec §6
// mask_payloads.marker.tls.*).
type Config struct {
	PreserveHandshake         bool
	PreserveAlert             bool
	PreserveChangeCipherSpec  bool
	PreserveApplicationData   bool
}

func DefaultConfig() Config {
	return Config{
		PreserveHandshake:        true,
		PreserveAlert:            true,
		PreserveChangeCipherSpec: true,
		PreserveApplicationData:  false,
	}
}

// policyKind maps a content type to a RuleKind under c, per spec §4.4 step 5:
// each content type's own preserve_* flag decides full-record vs
// header-only, independently of the other three, and anything unrecognised
// is fail-safe (kept whole).
func (c Config) policyKind(ct ContentType) mask.RuleKind {
	switch ct {
	case ContentApplicationData:
		if c.PreserveApplicationData {
			return mask.KindFullRecord
		}
		return mask.KindHeaderOnly
	case ContentHandshake:
		if c.PreserveHandshake {
			return mask.KindFullRecord
		}
		return mask.KindHeaderOnly
	case ContentAlert:
		if c.PreserveAlert {
			return mask.KindFullRecord
		}
		return mask.KindHeaderOnly
	case ContentChangeCipherSpec:
		if c.PreserveChangeCipherSpec {
			return mask.KindFullRecord
		}
		return mask.KindHeaderOnly
	default:
		return mask.KindFailSafe
	}
}

// SegmentDescriptor is the per-TCP-segment record information the external
// deep-parser reports for one TLS-carrying segment: the five-tuple, TCP
// sequence number, and the set of TLS records (or record fragments) found
// in that segment's payload. Every field is re-validated against the actual
// segment bytes before it can produce a KeepRule (spec §9 "Subprocess
// boundary").
type SegmentDescriptor struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	Seq     uint32

	Records []RecordFragment
}

// RecordFragment is one TLS record, or one fragment of a record that began
// in an earlier segment, as reported for a single TCP segment.
type RecordFragment struct {
	// Offset within the TCP payload of this segment where the fragment's
	// bytes begin.
	Offset int
	// Length of this fragment's bytes within this segment.
	Length int
	// IsRecordStart is true when this fragment begins with a TLS record
	// header (5-byte header present and consistent at Offset).
	IsRecordStart bool
	// ContentType and DeclaredLength are only meaningful when
	// IsRecordStart is true; DeclaredLength is the full record body length
	// declared by the header, which may exceed what's left in this segment
	// (spec §4.4 "Cross-segment records").
	ContentType    ContentType
	DeclaredLength int
}
