// Package controller runs the pipeline across every file in a directory: it
// pre-scans addresses, then fans work out across a bounded panjf2000/ants
// worker pool while preserving per-file result order (spec §4.7 "Directory
// mode"), the way the teacher's pcap-cli/go.mod pairs a goroutine pool with
// a fixed output slot per submitted job.
package controller

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/pktmask/pktmask/internal/anonymize"
	"github.com/pktmask/pktmask/internal/pipeline"
	"github.com/pktmask/pktmask/internal/progress"
	"github.com/pktmask/pktmask/internal/stats"
	"github.com/pktmask/pktmask/internal/telemetry"
)

// Config configures a directory-level run (spec §6 top-level keys plus
// §11 directory mode supplement).
type Config struct {
	ScratchDir  string
	OutputDir   string
	Concurrency int
	IPMap       *anonymize.IpMap // nil when anonymize_ips is disabled
}

// StageFactory builds the ordered stage list for one file. It is a factory,
// not a fixed value, because marker/masker state (sequence tracking) must
// not be shared across files.
type StageFactory func(inputPath string) []pipeline.Enabled

// Controller runs StageFactory-built pipelines across every file handed to
// Run, in a bounded pool, aggregating a stats.DirectoryResult.
type Controller struct {
	cfg      Config
	factory  StageFactory
	Progress progress.Callback
}

func New(cfg Config, factory StageFactory) *Controller {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Controller{cfg: cfg, factory: factory, Progress: progress.Noop}
}

// runOne executes the pipeline for a single input path and reports its
// result into slot.
func (c *Controller) runOne(ctx context.Context, inputPath string, slot *stats.ProcessResult) *stats.ProcessResult {
	outPath := filepath.Join(c.cfg.OutputDir, filepath.Base(inputPath))
	exec := pipeline.NewExecutor(c.cfg.ScratchDir, c.factory(inputPath))
	exec.Progress = c.Progress
	result, _ := exec.Run(ctx, inputPath, outPath)
	*slot = *result
	return slot
}

// Run pre-scans every input path for addresses (when cfg.IPMap is set, spec
// §11 "pre-scan"), then processes each file through a bounded ants pool,
// returning the aggregated directory result with results in the same order
// as inputPaths regardless of completion order (spec §9 "ordering").
func (c *Controller) Run(ctx context.Context, inputPaths []string) (*stats.DirectoryResult, error) {
	dirResult := &stats.DirectoryResult{}

	if c.cfg.IPMap != nil {
		if err := anonymize.PreScan(inputPaths, c.cfg.IPMap); err != nil {
			return dirResult, err
		}
		c.cfg.IPMap.Freeze()
		telemetry.Info("IP map built", telemetry.EventIPMapBuilt, "", "controller", map[string]interface{}{
			"unique_addresses": c.cfg.IPMap.UniqueAddresses(),
		})
	}

	pool, err := ants.NewPool(c.cfg.Concurrency)
	if err != nil {
		return dirResult, err
	}
	defer pool.Release()

	results := make([]*stats.ProcessResult, len(inputPaths))
	var wg sync.WaitGroup
	for i, in := range inputPaths {
		i, in := i, in
		results[i] = &stats.ProcessResult{}
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			c.runOne(ctx, in, results[i])
		})
		if submitErr != nil {
			wg.Done()
			c.runOne(ctx, in, results[i])
		}
	}
	wg.Wait()

	for _, r := range results {
		dirResult.Add(r)
	}
	return dirResult, nil
}
