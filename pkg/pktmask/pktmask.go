// Package pktmask is the public, importable facade over PktMask's sanitising
// pipeline: load a Config, run it against one file or a whole directory.
// It mirrors the teacher's pkg/config split — a thin public surface over an
// internal package that does the real work — so callers outside this module
// depend on a small stable API instead of reaching into internal/.
package pktmask

import (
	"context"

	"github.com/pktmask/pktmask/internal/anonymize"
	"github.com/pktmask/pktmask/internal/config"
	"github.com/pktmask/pktmask/internal/controller"
	"github.com/pktmask/pktmask/internal/pipeline"
	"github.com/pktmask/pktmask/internal/progress"
	"github.com/pktmask/pktmask/internal/stats"
)

// Config is PktMask's loaded, validated configuration (spec §6).
type Config = config.Config

// ProcessResult is the per-file outcome of a run (spec §3).
type ProcessResult = stats.ProcessResult

// DirectoryResult is the aggregated outcome of a directory run (SPEC_FULL §11).
type DirectoryResult = stats.DirectoryResult

// ProgressEvent and ProgressFunc let callers observe a run without importing
// internal/progress directly.
type ProgressEvent = progress.Event
type ProgressFunc = progress.Callback

// LoadConfig reads and validates a pktmask.json file. An empty path returns
// Default() (spec §6 "Validation").
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ProcessFile runs the configured pipeline (dedup, anonymize, mark_and_mask,
// in that order) against a single capture, writing the sanitised result to
// outputPath (spec §4).
func ProcessFile(ctx context.Context, cfg *Config, inputPath, outputPath string, onProgress ProgressFunc) (*ProcessResult, error) {
	var ipMap *anonymize.IpMap
	if cfg.AnonymizeIPs.Enabled {
		ipMap = anonymize.NewIpMap(cfg.AnonymizeIPs.AnonymizeMethod(), cfg.AnonymizeIPs.IPv4Prefix, cfg.AnonymizeIPs.IPv6Prefix, []byte(cfg.AnonymizeIPs.Key))
		if err := anonymize.PreScan([]string{inputPath}, ipMap); err != nil {
			return nil, err
		}
		ipMap.Freeze()
	}

	scratch := cfg.ScratchDir
	if scratch == "" {
		scratch = ".pktmask-scratch"
	}

	exec := pipeline.NewExecutor(scratch, buildStages(cfg, ipMap))
	if onProgress != nil {
		exec.Progress = onProgress
	}
	return exec.Run(ctx, inputPath, outputPath)
}

// ProcessDirectory runs the configured pipeline across every path in
// inputPaths, sharing one IP anonymisation pre-scan across all of them
// (spec §11 "Directory mode").
func ProcessDirectory(ctx context.Context, cfg *Config, inputPaths []string, outputDir string, onProgress ProgressFunc) (*DirectoryResult, error) {
	var ipMap *anonymize.IpMap
	if cfg.AnonymizeIPs.Enabled {
		ipMap = anonymize.NewIpMap(cfg.AnonymizeIPs.AnonymizeMethod(), cfg.AnonymizeIPs.IPv4Prefix, cfg.AnonymizeIPs.IPv6Prefix, []byte(cfg.AnonymizeIPs.Key))
	}

	scratch := cfg.ScratchDir
	if scratch == "" {
		scratch = ".pktmask-scratch"
	}

	ctrl := controller.New(controller.Config{
		ScratchDir:  scratch,
		OutputDir:   outputDir,
		Concurrency: cfg.Concurrency,
		IPMap:       ipMap,
	}, func(inputPath string) []pipeline.Enabled {
		return buildStages(cfg, ipMap)
	})
	if onProgress != nil {
		ctrl.Progress = onProgress
	}
	return ctrl.Run(ctx, inputPaths)
}
