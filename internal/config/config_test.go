package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pktmask.json")
	b, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func TestLoadAppliesDefaultsWhenFieldsOmitted(t *testing.T) {
	path := writeConfig(t, map[string]interface{}{
		"anonymize_ips": map[string]interface{}{"enabled": true, "method": "random"},
	})
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.RemoveDupes.Enabled, "remove_dupes defaults to enabled")
	assert.Equal(t, 1000, cfg.MaskPayloads.BatchSize)
	assert.True(t, cfg.AnonymizeIPs.Enabled)
}

func TestValidateRejectsUnrecognisedMethod(t *testing.T) {
	cfg := Default()
	cfg.AnonymizeIPs.Method = "not_a_method"
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRequiresKeyForPrefixPreserving(t *testing.T) {
	cfg := Default()
	cfg.AnonymizeIPs.Enabled = true
	cfg.AnonymizeIPs.Method = "prefix_preserving"
	cfg.AnonymizeIPs.Key = ""
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsIPv4PrefixOutsideEightToThirty(t *testing.T) {
	cfg := Default()
	cfg.AnonymizeIPs.IPv4Prefix = 7
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.AnonymizeIPs.IPv4Prefix = 31
	require.Error(t, cfg.Validate())
}

func TestValidateAcceptsIPv4PrefixBoundaries(t *testing.T) {
	cfg := Default()
	cfg.AnonymizeIPs.IPv4Prefix = 8
	assert.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.AnonymizeIPs.IPv4Prefix = 30
	assert.NoError(t, cfg.Validate())
}

func TestValidateAggregatesMultipleErrors(t *testing.T) {
	cfg := Default()
	cfg.AnonymizeIPs.Method = "bogus"
	cfg.MaskPayloads.Fallback = "bogus"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anonymize_ips.method")
	assert.Contains(t, err.Error(), "mask_payloads.fallback")
}
