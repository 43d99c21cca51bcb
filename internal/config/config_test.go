package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	Init(v)
	return v
}

func TestLoadDefaults(t *testing.T) {
	v := newTestViper(t)
	v.Set("storage_zone", "myzone")
	v.Set("access_key", "secret")

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, RegionFalkenstein, cfg.Region)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, "bunny", cfg.S3AccessKeyID)
	assert.Equal(t, "bunny", cfg.S3SecretAccessKey)
	assert.Equal(t, "https://storage.bunnycdn.com", cfg.EndpointURL())
}

func TestLoadMissingRequired(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]any
	}{
		{name: "missing zone", set: map[string]any{"access_key": "k"}},
		{name: "missing access key", set: map[string]any{"storage_zone": "z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestViper(t)
			for k, val := range tt.set {
				v.Set(k, val)
			}
			_, err := Load(v)
			assert.Error(t, err)
		})
	}
}

func TestRegionEndpoints(t *testing.T) {
	tests := []struct {
		region Region
		url    string
	}{
		{RegionFalkenstein, "https://storage.bunnycdn.com"},
		{RegionLondon, "https://uk.storage.bunnycdn.com"},
		{RegionNewYork, "https://ny.storage.bunnycdn.com"},
		{RegionLosAngeles, "https://la.storage.bunnycdn.com"},
		{RegionSingapore, "https://sg.storage.bunnycdn.com"},
		{RegionStockholm, "https://se.storage.bunnycdn.com"},
		{RegionSaoPaulo, "https://br.storage.bunnycdn.com"},
		{RegionJohannesburg, "https://jh.storage.bunnycdn.com"},
		{RegionSydney, "https://syd.storage.bunnycdn.com"},
	}
	for _, tt := range tests {
		url, err := tt.region.BaseURL()
		require.NoError(t, err)
		assert.Equal(t, tt.url, url)
	}
}

func TestInvalidRegionFailsValidation(t *testing.T) {
	v := newTestViper(t)
	v.Set("storage_zone", "z")
	v.Set("access_key", "k")
	v.Set("region", "mars")

	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown region")
}

func TestSocketPathExclusiveWithListenAddr(t *testing.T) {
	v := newTestViper(t)
	v.Set("storage_zone", "z")
	v.Set("access_key", "k")
	v.Set("socket_path", "/tmp/gw.sock")
	v.Set("listen_addr", "0.0.0.0:8000")

	_, err := Load(v)
	assert.Error(t, err)

	// Socket path alone is fine with the default listen address.
	v2 := newTestViper(t)
	v2.Set("storage_zone", "z")
	v2.Set("access_key", "k")
	v2.Set("socket_path", "/tmp/gw.sock")
	_, err = Load(v2)
	assert.NoError(t, err)
}
