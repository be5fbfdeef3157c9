package main

import (
	"time"

	"github.com/pktmask/pktmask/internal/anonymize"
	"github.com/pktmask/pktmask/internal/config"
	"github.com/pktmask/pktmask/internal/controller"
	"github.com/pktmask/pktmask/internal/dedup"
	"github.com/pktmask/pktmask/internal/pipeline"
	"github.com/pktmask/pktmask/internal/tlsmark"
)

// buildStageFactory turns a loaded Config into the controller.StageFactory the
// controller runs per file (spec §4 stage order: dedup, anonymize,
// mark_and_mask).
func buildStageFactory(cfg *config.Config, ipMap *anonymize.IpMap) controller.StageFactory {
	return func(inputPath string) []pipeline.Enabled {
		sub := tlsmark.SubprocessConfig{
			Path:    cfg.MaskPayloads.Marker.Path,
			Timeout: time.Duration(cfg.MaskPayloads.Marker.TimeoutSeconds) * time.Second,
			Retries: uint(cfg.MaskPayloads.Marker.Retries),
		}
		marker := tlsmark.NewMarker(sub, cfg.MaskPayloads.Marker.TLSConfig())

		return []pipeline.Enabled{
			{Stage: dedup.New(), IsOn: cfg.RemoveDupes.Enabled},
			{Stage: anonymize.New(ipMap), IsOn: cfg.AnonymizeIPs.Enabled},
			{Stage: pipeline.NewMarkAndMaskStage(marker, cfg.MaskPayloads.MaskConfig()), IsOn: cfg.MaskPayloads.Enabled},
		}
	}
}
