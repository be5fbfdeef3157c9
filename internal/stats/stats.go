// Package stats holds the standardized result types every stage and the
// executor/controller return, per spec §3 (StageStats, ProcessResult).
package stats

import "time"

// StageStats is the standardized per-stage outcome described in spec §3.
type StageStats struct {
	Stage            string
	PacketsSeen      uint64
	PacketsModified  uint64
	PacketsDropped   uint64
	Duration         time.Duration
	Extra            map[string]interface{}
}

func New(stage string) *StageStats {
	return &StageStats{Stage: stage, Extra: map[string]interface{}{}}
}

// ProcessResult is the per-file result described in spec §3.
type ProcessResult struct {
	InputPath  string
	OutputPath string
	Stages     []*StageStats
	Errors     []error
	Success    bool
}

func (r *ProcessResult) AddStage(s *StageStats) {
	r.Stages = append(r.Stages, s)
}

func (r *ProcessResult) Fail(err error) {
	r.Success = false
	r.Errors = append(r.Errors, err)
}

// DirectoryResult is the directory-level rollup added in SPEC_FULL §11.
type DirectoryResult struct {
	Total             int
	Succeeded         int
	Failed            int
	TotalPackets      uint64
	TotalBytesZeroed  uint64
	TotalAddressesMapped uint64
	Results           []*ProcessResult
}

func (d *DirectoryResult) Add(r *ProcessResult) {
	d.Total++
	d.Results = append(d.Results, r)
	if r.Success {
		d.Succeeded++
	} else {
		d.Failed++
	}
	for _, s := range r.Stages {
		d.TotalPackets += s.PacketsSeen
		if bz, ok := s.Extra["bytes_zeroed"].(uint64); ok {
			d.TotalBytesZeroed += bz
		}
		if am, ok := s.Extra["addresses_mapped"].(uint64); ok {
			d.TotalAddressesMapped += am
		}
	}
}
