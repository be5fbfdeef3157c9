package mask

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pktmask/pktmask/internal/flowkey"
	"github.com/pktmask/pktmask/internal/pcapio"
	"github.com/pktmask/pktmask/internal/pmerrors"
	"github.com/pktmask/pktmask/internal/stats"
)

// FallbackMode selects what the masker does when a per-packet or per-stage
// error occurs (spec §4.5).
type FallbackMode string

const (
	FallbackSkipPacket   FallbackMode = "skip_packet"
	FallbackFullMask     FallbackMode = "full_mask"
	FallbackCopyOriginal FallbackMode = "copy_original"
	FallbackAbort        FallbackMode = "abort"
)

// Config configures one masker run (spec §6 mask_payloads.masker.*).
type Config struct {
	Fallback      FallbackMode
	BatchSize     int
	MemoryLimitMB int
}

func DefaultConfig() Config {
	return Config{Fallback: FallbackSkipPacket, BatchSize: 1000, MemoryLimitMB: 2048}
}

// Masker applies a KeepRuleSet to a capture, per spec §4.5.
type Masker struct {
	cfg   Config
	rules *KeepRuleSet

	seqState map[uint64]map[flowkey.Direction]*flowkey.SeqState
}

func NewMasker(cfg Config, rules *KeepRuleSet) *Masker {
	return &Masker{
		cfg:      cfg,
		rules:    rules,
		seqState: make(map[uint64]map[flowkey.Direction]*flowkey.SeqState),
	}
}

// Name identifies this stage to the executor and progress events.
func (m *Masker) Name() string { return "mask" }

func (m *Masker) seq(flow flowkey.FlowKey, dir flowkey.Direction) *flowkey.SeqState {
	h := flow.Hash()
	byDir, ok := m.seqState[h]
	if !ok {
		byDir = make(map[flowkey.Direction]*flowkey.SeqState)
		m.seqState[h] = byDir
	}
	st, ok := byDir[dir]
	if !ok {
		st = &flowkey.SeqState{}
		byDir[dir] = st
	}
	return st
}

// Run streams packets from in to w, masking payload bytes outside the
// KeepRuleSet, preserving every invariant in spec §3 and §8. On a per-packet
// error it applies m.cfg.Fallback; on abort it returns the error. Cancellation
// is checked once per packet, same as every other stage (spec §5).
func (m *Masker) Run(ctx context.Context, in *pcapio.Reader, w *pcapio.Writer) (*stats.StageStats, error) {
	st := stats.New("mask")
	start := time.Now()

	batch := newBatchWriter(w, m.cfg.BatchSize, m.cfg.MemoryLimitMB)

	for {
		if ctx.Err() != nil {
			return st, pmerrors.Wrap(m.Name(), pmerrors.KindCancelled, pmerrors.ErrCancelled)
		}
		pkt, err := in.Next()
		if err != nil {
			break
		}
		st.PacketsSeen++
		originalLen := pkt.Len()

		modified, bytesZeroed, perr := m.maskOne(pkt)
		if perr != nil {
			switch m.cfg.Fallback {
			case FallbackAbort:
				return st, pmerrors.Wrap("mask", pmerrors.KindMasking, perr)
			case FallbackFullMask:
				m.fullMask(pkt)
				modified = true
			case FallbackSkipPacket:
				fallthrough
			default:
				st.Extra["skipped_on_error"] = asUint64(st.Extra["skipped_on_error"]) + 1
			}
		}

		if pkt.Len() != originalLen {
			return st, pmerrors.Wrap("mask", pmerrors.KindMasking, pmerrors.ErrLengthInvariant)
		}
		if modified {
			st.PacketsModified++
		}
		st.Extra["bytes_zeroed"] = asUint64(st.Extra["bytes_zeroed"]) + bytesZeroed

		if err := batch.Write(pkt); err != nil {
			return st, err
		}
	}
	if err := batch.Flush(); err != nil {
		return st, err
	}

	st.Duration = time.Since(start)
	return st, nil
}

func asUint64(v interface{}) uint64 {
	if u, ok := v.(uint64); ok {
		return u
	}
	return 0
}

// maskOne applies steps 1-6 of spec §4.5 to a single packet, returning
// whether it was modified and how many bytes were zeroed.
func (m *Masker) maskOne(pkt *pcapio.Packet) (modified bool, bytesZeroed uint64, err error) {
	if pkt.Truncated {
		return false, 0, nil
	}

	dec := pcapio.Decode(pkt.Data, pkt.LinkType)
	if dec.TCP == nil {
		return false, 0, nil
	}
	tcp := dec.TCP

	// A frame whose IP header declares more bytes than were actually
	// captured is short or corrupt. Decode clamps PayloadLen to the captured
	// bytes, so the declared IP length is checked here too; either overrun
	// is reported as the payload-length invariant (spec §8).
	declaredEnd := 0
	switch tcp.IP.Version {
	case 4:
		declaredEnd = tcp.IP.Offset + int(binary.BigEndian.Uint16(pkt.Data[tcp.IP.Offset+2:tcp.IP.Offset+4]))
	case 6:
		declaredEnd = tcp.IP.Offset + 40 + int(binary.BigEndian.Uint16(pkt.Data[tcp.IP.Offset+4:tcp.IP.Offset+6]))
	}
	if declaredEnd > len(pkt.Data) || tcp.PayloadOffset+tcp.PayloadLen > len(pkt.Data) {
		return false, 0, pmerrors.ErrPayloadInvariant
	}

	flow, dir := flowkey.Canonical(tcp.IP.SrcAddr(pkt.Data), tcp.IP.DstAddr(pkt.Data), tcp.SrcPort, tcp.DstPort)
	if !m.rules.HasRules(flow) {
		return false, 0, nil
	}
	if tcp.PayloadLen == 0 {
		return false, 0, nil
	}

	seqState := m.seq(flow, dir)
	logicalStart := seqState.Lift(tcp.Seq)
	logicalEnd := logicalStart + uint64(tcp.PayloadLen)

	keepers := m.rules.lookup(flow, dir, logicalStart, logicalEnd)
	// Normalize only merges rules of the same Kind (spec §4.4 step 7), so a
	// header_only and a full_record rule can still overlap here; that is an
	// ambiguous instruction about the same bytes, not something maskOne can
	// resolve on its own.
	for i := 1; i < len(keepers); i++ {
		if keepers[i-1].SeqEnd > keepers[i].SeqStart {
			return false, 0, pmerrors.ErrRuleOverlap
		}
	}

	payload := pkt.Data[tcp.PayloadOffset : tcp.PayloadOffset+tcp.PayloadLen]
	buf := make([]byte, len(payload))
	for _, rule := range keepers {
		lo := rule.SeqStart
		if lo < logicalStart {
			lo = logicalStart
		}
		hi := rule.SeqEnd
		if hi > logicalEnd {
			hi = logicalEnd
		}
		if lo >= hi {
			continue
		}
		copy(buf[lo-logicalStart:hi-logicalStart], payload[lo-logicalStart:hi-logicalStart])
	}

	identical := true
	for i := range payload {
		if payload[i] != buf[i] {
			identical = false
			break
		}
	}
	if identical {
		return false, 0, nil
	}

	var zeroed uint64
	for i := range payload {
		if payload[i] != 0 && buf[i] == 0 {
			zeroed++
		}
	}
	copy(payload, buf)

	// Checksum policy: clear the TCP checksum field so it is recomputed;
	// IPv4 length/checksum are untouched (payload length is invariant).
	tcp.Checksum = 0
	pcapio.RecomputeTCPChecksum(pkt.Data, tcp)

	return true, zeroed, nil
}

// fullMask zeroes the entire TCP payload, used by the full_mask fallback.
func (m *Masker) fullMask(pkt *pcapio.Packet) {
	dec := pcapio.Decode(pkt.Data, pkt.LinkType)
	if dec.TCP == nil {
		return
	}
	tcp := dec.TCP
	if tcp.PayloadOffset+tcp.PayloadLen > len(pkt.Data) {
		return
	}
	payload := pkt.Data[tcp.PayloadOffset : tcp.PayloadOffset+tcp.PayloadLen]
	for i := range payload {
		payload[i] = 0
	}
	pcapio.RecomputeTCPChecksum(pkt.Data, tcp)
}
