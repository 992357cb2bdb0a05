// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unetpp

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns a small configuration that passes validation. Tests
// mutate the returned copy.
func validConfig() Config {
	return Config{
		InputDim:     []int{16, 16, 1},
		Depth:        3,
		FilterList:   []int{8, 16, 32},
		Mode:         ModeBasic,
		UpsampleMode: UpsampleNearest,
		BatchNorm:    true,
		Heads:        []Head{{Name: "bin", Channels: 1}},
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{"depth too small", func(c *Config) { c.Depth = 1 }, ErrInvalidConfig},
		{"bad input dim rank", func(c *Config) { c.InputDim = []int{16, 16} }, ErrInvalidConfig},
		{"negative input dim", func(c *Config) { c.InputDim = []int{16, -1, 1} }, ErrInvalidConfig},
		{"short filter list", func(c *Config) { c.FilterList = []int{8, 16} }, ErrIndexOutOfRange},
		{"zero filters", func(c *Config) { c.FilterList = []int{8, 0, 32} }, ErrInvalidConfig},
		{"unknown mode", func(c *Config) { c.Mode = "quantum" }, ErrUnsupportedMode},
		{"unknown upsample mode", func(c *Config) { c.UpsampleMode = "cubic" }, ErrUnsupportedMode},
		{"mobile without iterations", func(c *Config) { c.Mode = ModeMobile }, ErrInvalidConfig},
		{"mobile short iterations", func(c *Config) {
			c.Mode = ModeMobile
			c.DownsampleIteration = []int{1, 2}
		}, ErrIndexOutOfRange},
		{"mobile zero iterations", func(c *Config) {
			c.Mode = ModeMobile
			c.DownsampleIteration = []int{1, 0, 2}
		}, ErrInvalidConfig},
		{"no heads", func(c *Config) { c.Heads = nil }, ErrInvalidConfig},
		{"unnamed head", func(c *Config) { c.Heads = []Head{{Channels: 1}} }, ErrInvalidConfig},
		{"zero channel head", func(c *Config) { c.Heads = []Head{{Name: "bin"}} }, ErrInvalidConfig},
		{"duplicate head names", func(c *Config) {
			c.Heads = []Head{{Name: "bin", Channels: 1}, {Name: "bin", Channels: 2}}
		}, ErrInvalidConfig},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			cfg := validConfig()
			testCase.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, testCase.wantErr), "got %v, want %v", err, testCase.wantErr)

			_, err = New(cfg)
			require.Error(t, err, "New must reject what Validate rejects")
		})
	}
}

func TestConfigJSONRoundTrip(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = ModeMobile
	cfg.DownsampleIteration = []int{1, 2, 2}
	cfg.Heads = append(cfg.Heads, Head{Name: "mult", Channels: 3})

	configPath := filepath.Join(t.TempDir(), "unetpp.json")
	require.NoError(t, cfg.Save(configPath))
	loaded, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = ModeMobile // Missing DownsampleIteration.
	configPath := filepath.Join(t.TempDir(), "unetpp.json")
	require.NoError(t, cfg.Save(configPath))

	_, err := LoadConfig(configPath)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestOutputNames(t *testing.T) {
	t.Run("single head", func(t *testing.T) {
		model, err := New(validConfig())
		require.NoError(t, err)
		assert.Equal(t, []string{"bin1_out_2"}, model.OutputNames())
	})

	t.Run("deep supervision", func(t *testing.T) {
		cfg := validConfig()
		cfg.DeepSupervision = true
		cfg.Heads = append(cfg.Heads, Head{Name: "mult", Channels: 3})
		model, err := New(cfg)
		require.NoError(t, err)
		assert.Equal(t,
			[]string{"bin1_out_1", "bin1_out_2", "mult3_out_1", "mult3_out_2"},
			model.OutputNames())
	})

	t.Run("multi head", func(t *testing.T) {
		cfg := validConfig()
		cfg.Heads = append(cfg.Heads, Head{Name: "mult", Channels: 3})
		model, err := New(cfg)
		require.NoError(t, err)
		// Each head's deepest skip level output.
		assert.Equal(t, []string{"bin1_out_2", "mult3_out_2"}, model.OutputNames())
	})
}
