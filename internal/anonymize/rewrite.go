package anonymize

import (
	"context"
	"time"

	"github.com/pktmask/pktmask/internal/pcapio"
	"github.com/pktmask/pktmask/internal/pmerrors"
	"github.com/pktmask/pktmask/internal/stats"
)

// Engine rewrites IP addresses in a single file's packets using a frozen,
// directory-scoped IpMap. One Engine is created per file; the IpMap itself
// is shared read-only across concurrent file workers.
type Engine struct {
	Map *IpMap
}

func New(m *IpMap) *Engine { return &Engine{Map: m} }

// Name identifies this stage to the executor and progress events.
func (e *Engine) Name() string { return "anonymize" }

// Run streams packets from in to w, rewriting every addressable IP layer
// (spec §4.3) and recomputing affected checksums, preserving packet length
// and order.
func (e *Engine) Run(ctx context.Context, in *pcapio.Reader, w *pcapio.Writer) (*stats.StageStats, error) {
	st := stats.New("anonymize")
	start := time.Now()

	seenThisFile := make(map[string]struct{})
	var rewrittenThisFile uint64
	var skipped uint64

	for {
		if ctx.Err() != nil {
			return st, pmerrors.Wrap(e.Name(), pmerrors.KindCancelled, pmerrors.ErrCancelled)
		}
		pkt, err := in.Next()
		if err != nil {
			break
		}
		st.PacketsSeen++

		if pkt.Truncated {
			if err := w.Write(pkt); err != nil {
				return st, err
			}
			continue
		}

		dec := pcapio.Decode(pkt.Data, pkt.LinkType)
		if dec.Skipped && len(dec.IPHeaders) == 0 {
			skipped++
			if err := w.Write(pkt); err != nil {
				return st, err
			}
			continue
		}

		modified := false
		for _, ip := range dec.IPHeaders {
			src := ip.SrcAddr(pkt.Data)
			dst := ip.DstAddr(pkt.Data)
			seenThisFile[src.String()] = struct{}{}
			seenThisFile[dst.String()] = struct{}{}

			newSrc, okSrc := e.Map.Lookup(src)
			newDst, okDst := e.Map.Lookup(dst)
			if !okSrc || !okDst {
				skipped++
				continue
			}
			if newSrc != src {
				copy(pkt.Data[ip.SrcOffset:ip.SrcOffset+ip.AddrLen], newSrc.AsSlice())
				modified = true
				rewrittenThisFile++
			}
			if newDst != dst {
				copy(pkt.Data[ip.DstOffset:ip.DstOffset+ip.AddrLen], newDst.AsSlice())
				modified = true
				rewrittenThisFile++
			}
			pcapio.RecomputeIPv4Checksum(pkt.Data, ip)
		}

		if modified {
			st.PacketsModified++
			if dec.TCP != nil {
				pcapio.RecomputeTCPChecksum(pkt.Data, dec.TCP)
			}
			for _, udp := range dec.UDP {
				pcapio.RecomputeUDPChecksum(pkt.Data, udp.IP, udp.Offset, udp.Length)
			}
		}

		if err := w.Write(pkt); err != nil {
			return st, err
		}
	}

	st.Duration = time.Since(start)
	st.Extra["unique_addresses_seen"] = uint64(len(seenThisFile))
	st.Extra["addresses_rewritten"] = rewrittenThisFile
	st.Extra["addresses_mapped"] = rewrittenThisFile
	st.Extra["tunnels_skipped"] = skipped
	return st, nil
}
