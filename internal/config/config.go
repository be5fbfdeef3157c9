// Package config loads and validates PktMask's JSON configuration file
// (spec §6), following the teacher's pcap-config pattern of building a
// koanf.Koanf from a file.Provider + json.Parser and then reading typed
// values out of it, but replacing its context.Context-keyed accessor layer
// with a plain validated struct (PktMask's config is loaded once per run,
// not threaded through request contexts).
package config

import (
	"errors"
	"fmt"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	sf "github.com/wissance/stringFormatter"

	"github.com/pktmask/pktmask/internal/anonymize"
	"github.com/pktmask/pktmask/internal/mask"
	"github.com/pktmask/pktmask/internal/pmerrors"
	"github.com/pktmask/pktmask/internal/tlsmark"
)

// RemoveDupesConfig is spec §6's remove_dupes.* block.
type RemoveDupesConfig struct {
	Enabled bool `koanf:"enabled"`
}

// AnonymizeIPsConfig is spec §6's anonymize_ips.* block.
type AnonymizeIPsConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Method     string `koanf:"method"`
	IPv4Prefix int    `koanf:"ipv4_prefix"`
	IPv6Prefix int    `koanf:"ipv6_prefix"`
	Key        string `koanf:"key"`
	ExportPath string `koanf:"export_path"`
	ImportPath string `koanf:"import_path"`
}

// MarkerTLSConfig is spec §6's mask_payloads.marker.tls.* block.
type MarkerTLSConfig struct {
	PreserveHandshake        bool `koanf:"preserve_handshake"`
	PreserveAlert            bool `koanf:"preserve_alert"`
	PreserveChangeCipherSpec bool `koanf:"preserve_change_cipher_spec"`
	PreserveApplicationData  bool `koanf:"preserve_application_data"`
}

// MarkerConfig is spec §6's mask_payloads.marker.* block.
type MarkerConfig struct {
	Path           string          `koanf:"path"`
	TimeoutSeconds int             `koanf:"timeout_seconds"`
	Retries        int             `koanf:"retries"`
	TLS            MarkerTLSConfig `koanf:"tls"`
}

// MaskPayloadsConfig is spec §6's mask_payloads.* block.
type MaskPayloadsConfig struct {
	Enabled       bool         `koanf:"enabled"`
	Fallback      string       `koanf:"fallback"`
	BatchSize     int          `koanf:"batch_size"`
	MemoryLimitMB int          `koanf:"memory_limit_mb"`
	Marker        MarkerConfig `koanf:"marker"`
}

// Config is the root of PktMask's recognized configuration, matching spec
// §6's key table plus the directory-mode fields added in SPEC_FULL §11.
type Config struct {
	RemoveDupes  RemoveDupesConfig  `koanf:"remove_dupes"`
	AnonymizeIPs AnonymizeIPsConfig `koanf:"anonymize_ips"`
	MaskPayloads MaskPayloadsConfig `koanf:"mask_payloads"`

	ScratchDir  string `koanf:"scratch_dir"`
	OutputDir   string `koanf:"output_dir"`
	Concurrency int    `koanf:"concurrency"`
	Debug       bool   `koanf:"debug"`
}

// Default returns a Config with spec §6's documented defaults.
func Default() *Config {
	return &Config{
		RemoveDupes:  RemoveDupesConfig{Enabled: true},
		AnonymizeIPs: AnonymizeIPsConfig{Enabled: false, Method: "prefix_preserving", IPv4Prefix: 24, IPv6Prefix: 64},
		MaskPayloads: MaskPayloadsConfig{
			Enabled:       true,
			Fallback:      "skip_packet",
			BatchSize:     1000,
			MemoryLimitMB: 2048,
			Marker: MarkerConfig{
				Path:           "pktmask-tls-parser",
				TimeoutSeconds: 300,
				Retries:        3,
				TLS: MarkerTLSConfig{
					PreserveHandshake:        true,
					PreserveAlert:            true,
					PreserveChangeCipherSpec: true,
					PreserveApplicationData:  false,
				},
			},
		},
		ScratchDir:  ".pktmask-scratch",
		Concurrency: 4,
	}
}

// Load reads path as JSON, overlaying it on Default(), then validates the
// result (spec §6 "Validation").
func Load(path string) (*Config, error) {
	cfg := Default()

	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return nil, pmerrors.Wrap("config", pmerrors.KindConfig, err)
		}
		if err := k.Unmarshal("", cfg); err != nil {
			return nil, pmerrors.Wrap("config", pmerrors.KindConfig, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, pmerrors.Wrap("config", pmerrors.KindConfig, err)
	}
	return cfg, nil
}

// Validate aggregates every configuration error found, rather than
// returning only the first (spec §6 "Validation": "report every error in
// one pass").
func (c *Config) Validate() error {
	var errs []error

	switch c.AnonymizeIPs.Method {
	case "", "prefix_preserving", "random", "hash":
	default:
		errs = append(errs, fmt.Errorf(sf.Format("anonymize_ips.method: unrecognised value {0}", c.AnonymizeIPs.Method)))
	}
	if c.AnonymizeIPs.Enabled && c.AnonymizeIPs.Method != "random" && len(c.AnonymizeIPs.Key) == 0 {
		errs = append(errs, errors.New("anonymize_ips.key: required for prefix_preserving and hash methods"))
	}
	if c.AnonymizeIPs.IPv4Prefix < 8 || c.AnonymizeIPs.IPv4Prefix > 30 {
		errs = append(errs, errors.New("anonymize_ips.ipv4_prefix: must be between 8 and 30"))
	}
	if c.AnonymizeIPs.IPv6Prefix < 0 || c.AnonymizeIPs.IPv6Prefix > 128 {
		errs = append(errs, errors.New("anonymize_ips.ipv6_prefix: must be between 0 and 128"))
	}

	switch c.MaskPayloads.Fallback {
	case "", "skip_packet", "full_mask", "copy_original", "abort":
	default:
		errs = append(errs, fmt.Errorf(sf.Format("mask_payloads.fallback: unrecognised value {0}", c.MaskPayloads.Fallback)))
	}
	if c.MaskPayloads.BatchSize < 0 {
		errs = append(errs, errors.New("mask_payloads.batch_size: must be >= 0"))
	}
	if c.MaskPayloads.MemoryLimitMB < 0 {
		errs = append(errs, errors.New("mask_payloads.memory_limit_mb: must be >= 0"))
	}
	if c.Concurrency < 0 {
		errs = append(errs, errors.New("concurrency: must be >= 0"))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{pmerrors.ErrInvalidConfig}, errs...)...)
}

// AnonymizeMethod maps the configured string to anonymize.Method.
func (c *AnonymizeIPsConfig) AnonymizeMethod() anonymize.Method {
	switch c.Method {
	case "random":
		return anonymize.MethodRandom
	case "hash":
		return anonymize.MethodHash
	default:
		return anonymize.MethodPrefixPreserving
	}
}

// MaskConfig builds a mask.Config from the loaded configuration.
func (c *MaskPayloadsConfig) MaskConfig() mask.Config {
	fb := mask.FallbackMode(c.Fallback)
	if fb == "" {
		fb = mask.FallbackSkipPacket
	}
	return mask.Config{Fallback: fb, BatchSize: c.BatchSize, MemoryLimitMB: c.MemoryLimitMB}
}

// TLSConfig builds a tlsmark.Config from the loaded configuration.
func (c *MarkerConfig) TLSConfig() tlsmark.Config {
	return tlsmark.Config{
		PreserveHandshake:        c.TLS.PreserveHandshake,
		PreserveAlert:            c.TLS.PreserveAlert,
		PreserveChangeCipherSpec: c.TLS.PreserveChangeCipherSpec,
		PreserveApplicationData:  c.TLS.PreserveApplicationData,
	}
}
