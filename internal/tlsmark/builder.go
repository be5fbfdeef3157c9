package tlsmark

import (
	"sort"

	"github.com/pktmask/pktmask/internal/flowkey"
	"github.com/pktmask/pktmask/internal/mask"
	"github.com/pktmask/pktmask/internal/pcapio"
	"github.com/pktmask/pktmask/internal/telemetry"
)

// segmentKey correlates a deep-parser SegmentDescriptor with the TCP segment
// it describes, by five-tuple direction and raw wire sequence number.
type segmentKey struct {
	flow flowkey.FlowKey
	dir  flowkey.Direction
	seq  uint32
}

// pendingRecord tracks a TLS record whose header arrived in an earlier
// segment but whose body continues into later ones (spec §4.4 "Cross-segment
// records").
type pendingRecord struct {
	kind         mask.RuleKind
	remainingLen int
}

// flowState is per (flow, direction) bookkeeping carried across the capture
// in packet order.
type flowState struct {
	seq     flowkey.SeqState
	pending *pendingRecord
}

// BuildRuleSet replays capturePath's TCP segments in order, cross-references
// each against the deep-parser's candidate descriptors, and emits a
// validated mask.KeepRuleSet. Every offset, length, and content type is
// re-derived from the real segment bytes; a descriptor is only used to know
// which segments to look at (spec §9 "Subprocess boundary").
func BuildRuleSet(in *pcapio.Reader, descriptors []SegmentDescriptor, cfg Config) (*mask.KeepRuleSet, error) {
	byKey := make(map[segmentKey]SegmentDescriptor, len(descriptors))
	for _, d := range descriptors {
		flow, dir := flowkey.Canonical(d.SrcIP, d.DstIP, d.SrcPort, d.DstPort)
		byKey[segmentKey{flow: flow, dir: dir, seq: d.Seq}] = d
	}

	rules := mask.NewKeepRuleSet()
	states := make(map[flowkey.FlowKey]map[flowkey.Direction]*flowState)

	for {
		pkt, err := in.Next()
		if err != nil {
			break
		}
		dec := pcapio.Decode(pkt.Data, pkt.LinkType)
		if dec.TCP == nil || dec.TCP.PayloadLen == 0 {
			continue
		}
		tcp := dec.TCP
		flow, dir := flowkey.Canonical(tcp.IP.SrcAddr(pkt.Data), tcp.IP.DstAddr(pkt.Data), tcp.SrcPort, tcp.DstPort)

		desc, ok := byKey[segmentKey{flow: flow, dir: dir, seq: tcp.Seq}]
		if !ok {
			continue
		}

		byDir, ok := states[flow]
		if !ok {
			byDir = make(map[flowkey.Direction]*flowState)
			states[flow] = byDir
		}
		fs, ok := byDir[dir]
		if !ok {
			fs = &flowState{}
			byDir[dir] = fs
		}

		payload := pkt.Data[tcp.PayloadOffset : tcp.PayloadOffset+tcp.PayloadLen]
		segStart := fs.seq.Lift(tcp.Seq)

		processSegment(rules, flow, dir, segStart, payload, desc, fs, cfg)
	}

	rules.Normalize()
	return rules, nil
}

// processSegment applies spec §4.4 steps 3-7 to one TCP segment's payload.
func processSegment(rules *mask.KeepRuleSet, flow flowkey.FlowKey, dir flowkey.Direction, segStart uint64, payload []byte, desc SegmentDescriptor, fs *flowState, cfg Config) {
	offset := 0

	// Continue a record whose header arrived in an earlier segment.
	if fs.pending != nil {
		remaining := fs.pending.remainingLen
		take := remaining
		if take > len(payload) {
			take = len(payload)
		}
		if fs.pending.kind != mask.KindHeaderOnly {
			rules.Add(mask.KeepRule{
				Flow: flow, Direction: dir,
				SeqStart: segStart, SeqEnd: segStart + uint64(take),
				Kind: fs.pending.kind,
			})
		}
		offset += take
		fs.pending.remainingLen -= take
		if fs.pending.remainingLen <= 0 {
			fs.pending = nil
		}
	}

	frags := append([]RecordFragment(nil), desc.Records...)
	sort.Slice(frags, func(i, j int) bool { return frags[i].Offset < frags[j].Offset })

	for _, frag := range frags {
		if frag.Offset < offset || frag.Offset >= len(payload) || !frag.IsRecordStart {
			continue
		}
		if !validateRecordStart(payload, frag) {
			telemetry.Warn("discarding unvalidated TLS record candidate", telemetry.EventRuleDiscarded, "", "tlsmark", nil, nil)
			continue
		}

		ct := ContentType(payload[frag.Offset])
		declared := int(payload[frag.Offset+3])<<8 | int(payload[frag.Offset+4])
		kind := cfg.policyKind(ct)

		bodyAvailable := len(payload) - frag.Offset - tlsHeaderLength
		bodyInSegment := declared
		if bodyInSegment > bodyAvailable {
			bodyInSegment = bodyAvailable
		}

		recordStart := segStart + uint64(frag.Offset)
		switch kind {
		case mask.KindHeaderOnly:
			// Only the 5-byte header survives; the body (in this segment and
			// any continuation) is masked, so no rule covers it.
			rules.Add(mask.KeepRule{Flow: flow, Direction: dir, SeqStart: recordStart, SeqEnd: recordStart + tlsHeaderLength, Kind: mask.KindHeaderOnly})
		default:
			rules.Add(mask.KeepRule{
				Flow: flow, Direction: dir,
				SeqStart: recordStart, SeqEnd: recordStart + uint64(tlsHeaderLength+bodyInSegment),
				Kind: kind,
			})
		}

		offset = frag.Offset + tlsHeaderLength + bodyInSegment
		if declared > bodyAvailable {
			fs.pending = &pendingRecord{kind: kind, remainingLen: declared - bodyAvailable}
		}
	}
}

// validateRecordStart re-checks a candidate record header against the
// actual segment bytes (spec §4.4 step 6 "Validation gates"): bounds,
// declared-length ceiling, and the tighter body-length caps for
// change_cipher_spec and alert records.
func validateRecordStart(payload []byte, frag RecordFragment) bool {
	if frag.Offset+tlsHeaderLength > len(payload) {
		return false
	}
	ct := ContentType(payload[frag.Offset])
	declared := int(payload[frag.Offset+3])<<8 | int(payload[frag.Offset+4])
	if declared < 0 || declared > tlsMaxRecordLength {
		return false
	}
	switch ct {
	case ContentChangeCipherSpec:
		if declared > ccsMaxBodyLength {
			return false
		}
	case ContentAlert:
		if declared > alertMaxBodyLength {
			return false
		}
	case ContentHandshake, ContentApplicationData:
		// no additional bound beyond tlsMaxRecordLength
	default:
		// unrecognised content type: still a structurally valid header,
		// handled fail-safe by policyKind.
	}
	return ct == frag.ContentType || frag.ContentType == 0
}
