// Package pipeline chains PktMask's per-file stages (dedup, anonymize,
// tlsmark+mask) through a scratch directory, the way pcap-fsnotify chains
// copy/compress/delete steps around one file, but generalised to an
// arbitrary ordered list of stages (spec §4, §4.7).
package pipeline

import (
	"context"

	"github.com/pktmask/pktmask/internal/pcapio"
	"github.com/pktmask/pktmask/internal/stats"
)

// Stage is one transformation step that reads a capture and writes a new
// one. The three real stages (dedup.Engine, anonymize.Engine, mask.Masker)
// all already satisfy this signature. ctx is checked once per packet inside
// the stage's own loop, so cancellation is observable mid-stage rather than
// only between stages (spec §5, "observable between packets").
type Stage interface {
	Name() string
	Run(ctx context.Context, in *pcapio.Reader, w *pcapio.Writer) (*stats.StageStats, error)
}

// Enabled wraps a Stage with whether it should run at all; a disabled stage
// is skipped by the executor via a pass-through copy (spec §6, every top
// level key has an `enabled` flag).
type Enabled struct {
	Stage   Stage
	IsOn    bool
}

// funcStage adapts a bare Run function (used for marker+masker, which don't
// share the three-engine constructor shape) into a Stage.
type funcStage struct {
	name string
	run  func(ctx context.Context, in *pcapio.Reader, w *pcapio.Writer) (*stats.StageStats, error)
}

func (f funcStage) Name() string { return f.name }
func (f funcStage) Run(ctx context.Context, in *pcapio.Reader, w *pcapio.Writer) (*stats.StageStats, error) {
	return f.run(ctx, in, w)
}

// NewFuncStage builds a Stage from a plain function, for stages assembled
// ad hoc by the caller (e.g. a tlsmark.Marker + mask.Masker pair resolved
// into one rule-then-apply closure).
func NewFuncStage(name string, run func(ctx context.Context, in *pcapio.Reader, w *pcapio.Writer) (*stats.StageStats, error)) Stage {
	return funcStage{name: name, run: run}
}
