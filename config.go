// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unetpp

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Mode selects the processing block ("H block") used at every lattice node.
type Mode string

const (
	// ModeBasic uses plain 3x3 convolution blocks (conv + batch-norm + relu)
	// and max-pooling for downsampling.
	ModeBasic Mode = "basic"

	// ModeMobile uses sequences of MobileNetV2-style inverted residual
	// bottleneck blocks, both for processing and (with stride 2) for
	// downsampling. Requires Config.DownsampleIteration.
	ModeMobile Mode = "mobile"
)

// UpsampleMode selects the interpolation used by the decoder upsample blocks.
type UpsampleMode string

const (
	UpsampleNearest  UpsampleMode = "nearest"
	UpsampleBilinear UpsampleMode = "bilinear"
)

// Head describes one segmentation output head: a 1x1 convolution projecting a
// decoder node to Channels channels.
//
// The name selects the head activation: "bin" maps to sigmoid, "mult" to
// softmax, anything else defaults to sigmoid. Head order is significant, it
// determines the order of the model outputs.
type Head struct {
	Name     string `json:"name"`
	Channels int    `json:"channels"`
}

// Config describes a UNet++ topology. It is consumed read-only by New.
type Config struct {
	// InputDim is the spatial shape of the network input, `[height, width, channels]`
	// (channels-last). The batch dimension is taken from the input node at
	// graph building time.
	InputDim []int `json:"input_dim"`

	// Depth is the number of encoder levels. The lattice has
	// Depth*(Depth+1)/2 nodes. Must be at least 2 so that there is at least
	// one decoder node to attach output heads to.
	Depth int `json:"depth"`

	// FilterList holds the channel count per encoder level; must have at
	// least Depth entries.
	FilterList []int `json:"filter_list"`

	// Mode is the model mode, ModeBasic or ModeMobile.
	Mode Mode `json:"model_mode"`

	// UpsampleMode configures the decoder upsample blocks.
	UpsampleMode UpsampleMode `json:"upsample_mode"`

	// BatchNorm enables batch normalization inside the blocks.
	BatchNorm bool `json:"batch_norm"`

	// DownsampleIteration gives, per encoder level, the number of inverted
	// residual bottleneck blocks chained at that level. Required (with at
	// least Depth entries) when Mode is ModeMobile, ignored otherwise.
	DownsampleIteration []int `json:"downsample_iteration,omitempty"`

	// Heads lists the output heads, in order.
	Heads []Head `json:"heads"`

	// DeepSupervision, when set, exposes the output heads of every decoder
	// skip level as model outputs, instead of only the deepest one(s).
	DeepSupervision bool `json:"deep_supervision"`
}

// Error sentinels for configuration problems, testable with errors.Is.
// They are all detected by Config.Validate before any graph node is built.
var (
	// ErrInvalidConfig indicates a missing or inconsistent configuration field.
	ErrInvalidConfig = errors.New("invalid UNet++ configuration")

	// ErrUnsupportedMode indicates an unknown Mode or UpsampleMode value.
	ErrUnsupportedMode = errors.New("unsupported mode")

	// ErrIndexOutOfRange indicates a per-level list with fewer entries than Depth.
	ErrIndexOutOfRange = errors.New("per-level list shorter than depth")
)

// Validate checks the configuration. It returns an error wrapping one of the
// package sentinels (ErrInvalidConfig, ErrUnsupportedMode, ErrIndexOutOfRange)
// identifying the offending field.
//
// New calls this, so a *Model never holds an invalid configuration and graph
// building never starts from one.
func (c *Config) Validate() error {
	if c.Depth < 2 {
		return errors.Wrapf(ErrInvalidConfig, "depth=%d, must be at least 2 so the model has an output head", c.Depth)
	}
	if len(c.InputDim) != 3 {
		return errors.Wrapf(ErrInvalidConfig, "input_dim=%v, expected [height, width, channels]", c.InputDim)
	}
	for _, dim := range c.InputDim {
		if dim <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "input_dim=%v, dimensions must be positive", c.InputDim)
		}
	}
	if len(c.FilterList) < c.Depth {
		return errors.Wrapf(ErrIndexOutOfRange, "filter_list has %d entries, depth=%d", len(c.FilterList), c.Depth)
	}
	for _, filters := range c.FilterList[:c.Depth] {
		if filters <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "filter_list=%v, filters must be positive", c.FilterList)
		}
	}
	switch c.Mode {
	case ModeBasic:
	case ModeMobile:
		if c.DownsampleIteration == nil {
			return errors.Wrapf(ErrInvalidConfig, "downsample_iteration is required for model_mode=%q", ModeMobile)
		}
		if len(c.DownsampleIteration) < c.Depth {
			return errors.Wrapf(ErrIndexOutOfRange, "downsample_iteration has %d entries, depth=%d",
				len(c.DownsampleIteration), c.Depth)
		}
		for _, nIter := range c.DownsampleIteration[:c.Depth] {
			if nIter < 1 {
				return errors.Wrapf(ErrInvalidConfig, "downsample_iteration=%v, iteration counts must be at least 1",
					c.DownsampleIteration)
			}
		}
	default:
		return errors.Wrapf(ErrUnsupportedMode, "model_mode=%q, valid values are %q or %q", c.Mode, ModeBasic, ModeMobile)
	}
	switch c.UpsampleMode {
	case UpsampleNearest, UpsampleBilinear:
	default:
		return errors.Wrapf(ErrUnsupportedMode, "upsample_mode=%q, valid values are %q or %q",
			c.UpsampleMode, UpsampleNearest, UpsampleBilinear)
	}
	if len(c.Heads) == 0 {
		return errors.Wrap(ErrInvalidConfig, "at least one output head is required")
	}
	seen := make(map[string]bool, len(c.Heads))
	for _, head := range c.Heads {
		if head.Name == "" {
			return errors.Wrap(ErrInvalidConfig, "output head with empty name")
		}
		if head.Channels <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "output head %q has %d channels, must be positive", head.Name, head.Channels)
		}
		if seen[head.Name] {
			return errors.Wrapf(ErrInvalidConfig, "duplicate output head name %q", head.Name)
		}
		seen[head.Name] = true
	}
	return nil
}

// LoadConfig reads a Config from a JSON file.
// The configuration is validated before being returned.
func LoadConfig(filePath string) (Config, error) {
	var c Config
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return c, errors.Wrapf(err, "failed to read UNet++ configuration from %q", filePath)
	}
	if err := json.Unmarshal(contents, &c); err != nil {
		return c, errors.Wrapf(err, "failed to parse UNet++ configuration from %q", filePath)
	}
	if err := c.Validate(); err != nil {
		return c, errors.WithMessagef(err, "configuration in %q", filePath)
	}
	return c, nil
}

// Save writes the configuration as indented JSON to the given file.
func (c *Config) Save(filePath string) error {
	contents, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize UNet++ configuration")
	}
	if err := os.WriteFile(filePath, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write UNet++ configuration to %q", filePath)
	}
	return nil
}
