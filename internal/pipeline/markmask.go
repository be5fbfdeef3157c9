package pipeline

import (
	"context"

	"github.com/pktmask/pktmask/internal/mask"
	"github.com/pktmask/pktmask/internal/pcapio"
	"github.com/pktmask/pktmask/internal/pmerrors"
	"github.com/pktmask/pktmask/internal/stats"
	"github.com/pktmask/pktmask/internal/tlsmark"
)

// markAndMask runs the TLS marker against the incoming capture, then feeds
// the resulting KeepRuleSet to a fresh Masker. It is one Stage, not two,
// because the masker needs the rule set the marker produces before it can
// process a single packet (spec §4.4/§4.5, "the masker consumes the
// marker's output").
type markAndMask struct {
	marker  *tlsmark.Marker
	maskCfg mask.Config
}

func NewMarkAndMaskStage(marker *tlsmark.Marker, maskCfg mask.Config) Stage {
	return NewFuncStage("mark_and_mask", (&markAndMask{marker: marker, maskCfg: maskCfg}).run)
}

func (s *markAndMask) run(ctx context.Context, in *pcapio.Reader, w *pcapio.Writer) (*stats.StageStats, error) {
	capturePath := in.Path()

	rules, markerStats, err := s.marker.Analyze(ctx, capturePath, in)
	in.Close()
	if err != nil {
		// The marker is unavailable or failed: unless the fallback is abort,
		// run the masker against an empty rule set. With no rules no flow
		// matches, so every packet passes through unchanged
		// (copy_original-equivalent behaviour).
		if s.maskCfg.Fallback != mask.FallbackAbort {
			rules = mask.NewKeepRuleSet()
		} else {
			return markerStats, pmerrors.Wrap("mark_and_mask", pmerrors.KindMarker, err)
		}
	}

	r2, err := pcapio.Open(capturePath)
	if err != nil {
		return markerStats, pmerrors.Wrap("mark_and_mask", pmerrors.KindInput, err)
	}
	defer r2.Close()

	masker := mask.NewMasker(s.maskCfg, rules)
	maskStats, err := masker.Run(ctx, r2, w)
	if markerStats != nil && maskStats != nil {
		for k, v := range markerStats.Extra {
			maskStats.Extra[k] = v
		}
	}
	return maskStats, err
}
