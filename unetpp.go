// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package unetpp builds UNet++ models for GoMLX.
//
// UNet++ (https://arxiv.org/abs/1807.10165) is an encoder-decoder
// segmentation architecture with nested, dense skip connections. The nodes
// x(i,j) form a lattice indexed by encoder level i and skip level j, wired by
// the connectivity recurrence of the paper:
//
//	j == 0:  x(i,0) = H(D(x(i-1,0)))
//	j  > 0:  x(i,j) = H([x(i,0), ..., x(i,j-1), U(x(i+1,j-1))])
//
// where H is the per-node processing block, D downsampling, U upsampling and
// [] channel-wise concatenation.
//
// This package only assembles the topology; all tensor computation is
// delegated to the gomlx graph and layers packages. Example:
//
//	cfg := unetpp.Config{
//		InputDim:     []int{128, 128, 1},
//		Depth:        4,
//		FilterList:   []int{32, 64, 128, 256},
//		Mode:         unetpp.ModeBasic,
//		UpsampleMode: unetpp.UpsampleNearest,
//		BatchNorm:    true,
//		Heads:        []unetpp.Head{{Name: "bin", Channels: 1}},
//	}
//	model := must.M1(unetpp.New(cfg))
//	exec := must.M1(model.NewExec(backend, ctx))
//	masks := exec.MustExec(images)
package unetpp

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// BuildScope is the context scope under which all model variables are created.
const BuildScope = "unet_pp"

// Model is a validated UNet++ topology, ready to build its computation graph.
// It is stateless across builds: every BuildGraph call wires a fresh set of
// graph nodes, while variables are reused through the context scopes.
type Model struct {
	cfg Config
}

// New returns a Model for the given configuration, or an error wrapping one
// of the package sentinels if the configuration is invalid. Validation is
// complete here: a non-nil Model never fails to build for configuration
// reasons.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Model{cfg: cfg}, nil
}

// Config returns a copy of the model configuration.
func (m *Model) Config() Config { return m.cfg }

// NumNodes returns the number of lattice nodes, Depth*(Depth+1)/2.
func (m *Model) NumNodes() int {
	return m.cfg.Depth * (m.cfg.Depth + 1) / 2
}

// hBlock applies the mode's H block at the given encoder level.
func (m *Model) hBlock(ctx *context.Context, x *Node, level int) *Node {
	switch m.cfg.Mode {
	case ModeBasic:
		return convBlock(ctx, x, m.cfg.FilterList[level], m.cfg.BatchNorm)
	case ModeMobile:
		return bottleneckSequence(ctx, x, m.cfg.FilterList[level], 1,
			m.cfg.DownsampleIteration[level], m.cfg.BatchNorm)
	}
	Panicf("unetpp: unsupported model mode %q", m.cfg.Mode) // Unreachable, New validates the mode.
	return nil
}

// downsample halves the spatial dimensions of x on the way to encoder level.
func (m *Model) downsample(ctx *context.Context, x *Node, level int) *Node {
	switch m.cfg.Mode {
	case ModeBasic:
		return MaxPool(x).Window(2).Strides(2).NoPadding().Done()
	case ModeMobile:
		return bottleneckSequence(ctx, x, m.cfg.FilterList[level], 2,
			m.cfg.DownsampleIteration[level], m.cfg.BatchNorm)
	}
	Panicf("unetpp: unsupported model mode %q", m.cfg.Mode)
	return nil
}

// BuildGraph wires the UNet++ computation graph onto input, shaped
// `[batch, height, width, channels]` matching Config.InputDim, and returns
// the selected model outputs, parallel to OutputNames.
//
// Variables are created (or reused) under ctx in the BuildScope scope.
func (m *Model) BuildGraph(ctx *context.Context, input *Node) []*Node {
	outputs, _ := m.BuildGraphWithNodes(ctx, input)
	return outputs
}

// BuildGraphWithNodes is BuildGraph, but it also returns the full lattice
// node map for introspection, keyed by NodeID.
func (m *Model) BuildGraphWithNodes(ctx *context.Context, input *Node) ([]*Node, map[NodeID]*Node) {
	cfg := m.cfg
	input.AssertRank(4)
	batchSize := input.Shape().Dimensions[0]
	input.AssertDims(batchSize, cfg.InputDim[0], cfg.InputDim[1], cfg.InputDim[2])
	ctx = ctx.In(BuildScope)

	nodes := make(map[NodeID]*Node, m.NumNodes())

	// The root node is an H block applied directly on the input, no downsampling.
	nodes[NodeID{0, 0}] = m.hBlock(ctx.In("x_00"), input, 0)

	// The lattice: j ascending, and i ascending within each j, so that
	// x(i-1,0), x(i,k<j) and x(i+1,j-1) are always built before x(i,j).
	for j := 0; j < cfg.Depth; j++ {
		for i := 0; i < cfg.Depth-j; i++ {
			id := NodeID{i, j}
			if i == 0 && j == 0 {
				continue
			}

			var layer *Node
			if j == 0 {
				// Encoder backbone: downsample the node above.
				layer = m.downsample(ctx.Inf("x_%s_down", id), nodes[NodeID{i - 1, 0}], i)
			} else {
				// Decoder node: upsample x(i+1,j-1) and concatenate with all
				// same-level skip connections x(i,0..j-1).
				upSampled := upsampleBlock(ctx.Inf("x_%s_up", id), nodes[NodeID{i + 1, j - 1}],
					cfg.FilterList[i], cfg.BatchNorm, cfg.UpsampleMode)
				skips := make([]*Node, 0, j+1)
				for k := 0; k < j; k++ {
					skips = append(skips, nodes[NodeID{i, k}])
				}
				skips = append(skips, upSampled)
				layer = Concatenate(skips, -1)
			}

			nodes[id] = m.hBlock(ctx.Inf("x_%s", id), layer, i)
		}
	}

	// Output heads: one 1x1 convolution per head and per decoder skip level.
	allOutputs := make([]*Node, 0, len(cfg.Heads)*(cfg.Depth-1))
	for _, head := range cfg.Heads {
		for nodeNum := 1; nodeNum < cfg.Depth; nodeNum++ {
			name := headOutputName(head, nodeNum)
			allOutputs = append(allOutputs, outputHead(ctx.In(name), nodes[NodeID{0, nodeNum}], head))
		}
	}

	outputs := make([]*Node, 0, len(cfg.Heads))
	for _, index := range m.outputIndices() {
		outputs = append(outputs, allOutputs[index])
	}
	return outputs, nodes
}

// headOutputName is the deterministic name of one output head layer,
// e.g. Head{"bin", 1} at skip level 2 -> "bin1_out_2".
func headOutputName(head Head, nodeNum int) string {
	return fmt.Sprintf("%s%d_out_%d", head.Name, head.Channels, nodeNum)
}

// outputIndices returns the indices of the selected model outputs within the
// accumulated head-output list (heads in configuration order, skip levels
// 1..Depth-1 within each head).
//
// With deep supervision all heads are selected. Without it, only each head's
// deepest output, at index k*(Depth-1)-1 for the k-th head (k starting at 1).
func (m *Model) outputIndices() []int {
	cfg := m.cfg
	total := len(cfg.Heads) * (cfg.Depth - 1)
	if cfg.DeepSupervision {
		indices := make([]int, total)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}
	if len(cfg.Heads) == 1 {
		return []int{total - 1}
	}
	indices := make([]int, 0, len(cfg.Heads))
	for k := 1; k <= len(cfg.Heads); k++ {
		indices = append(indices, k*(cfg.Depth-1)-1)
	}
	return indices
}

// OutputNames returns the names of the model outputs, parallel to the nodes
// returned by BuildGraph.
func (m *Model) OutputNames() []string {
	cfg := m.cfg
	allNames := make([]string, 0, len(cfg.Heads)*(cfg.Depth-1))
	for _, head := range cfg.Heads {
		for nodeNum := 1; nodeNum < cfg.Depth; nodeNum++ {
			allNames = append(allNames, headOutputName(head, nodeNum))
		}
	}
	names := make([]string, 0, len(cfg.Heads))
	for _, index := range m.outputIndices() {
		names = append(names, allNames[index])
	}
	return names
}

// ModelFn adapts the model to train.ModelFn, so it can be plugged directly
// into train.NewTrainer. The dataset spec is ignored; inputs[0] is the image
// batch.
func (m *Model) ModelFn() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		return m.BuildGraph(ctx, inputs[0])
	}
}

// NewExec returns an executor for the model: the assembled, callable form of
// the topology. If ctx is nil a fresh context is created.
func (m *Model) NewExec(backend backends.Backend, ctx *context.Context) (*context.Exec, error) {
	return context.NewExec(backend, ctx, func(ctx *context.Context, input *Node) []*Node {
		return m.BuildGraph(ctx, input)
	})
}
