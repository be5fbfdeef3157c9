package pktmask

import (
	"time"

	"github.com/pktmask/pktmask/internal/anonymize"
	"github.com/pktmask/pktmask/internal/dedup"
	"github.com/pktmask/pktmask/internal/pipeline"
	"github.com/pktmask/pktmask/internal/tlsmark"
)

// buildStages mirrors cmd/pktmask's stage factory (spec §4 stage order);
// it is duplicated rather than shared because cmd/pktmask is package main
// and cannot be imported.
func buildStages(cfg *Config, ipMap *anonymize.IpMap) []pipeline.Enabled {
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
