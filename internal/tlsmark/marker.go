package tlsmark

import (
	"context"
	"time"

	"github.com/pktmask/pktmask/internal/mask"
	"github.com/pktmask/pktmask/internal/pcapio"
	"github.com/pktmask/pktmask/internal/pmerrors"
	"github.com/pktmask/pktmask/internal/stats"
	"github.com/pktmask/pktmask/internal/telemetry"
)

// Marker runs the TLS marker stage: invoke the external deep-parser, then
// build and validate a KeepRuleSet from its output (spec §4.4).
type Marker struct {
	Subprocess SubprocessConfig
	Config     Config
}

func NewMarker(sub SubprocessConfig, cfg Config) *Marker {
	return &Marker{Subprocess: sub, Config: cfg}
}

// Analyze produces the KeepRuleSet for capturePath. in must be positioned at
// the start of the same capture the deep-parser analyzed; Analyze consumes
// it fully.
func (m *Marker) Analyze(ctx context.Context, capturePath string, in *pcapio.Reader) (*mask.KeepRuleSet, *stats.StageStats, error) {
	st := stats.New("tlsmark")
	start := time.Now()

	descriptors, err := RunExternal(ctx, m.Subprocess, capturePath)
	if err != nil {
		telemetry.Warn("TLS marker unavailable", telemetry.EventMarkerFallback, capturePath, "tlsmark", nil, err)
		return nil, st, err
	}

	rules, err := BuildRuleSet(in, descriptors, m.Config)
	if err != nil {
		return nil, st, pmerrors.Wrap("tlsmark", pmerrors.KindRuleValidation, err)
	}

	st.Extra["rules_total"] = uint64(rules.TotalRules)
	st.Extra["rules_discarded"] = uint64(rules.DiscardedRules)
	st.Duration = time.Since(start)
	return rules, st, nil
}
