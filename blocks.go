// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unetpp

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// tExpansion is the channel expansion factor of the inverted residual
// bottleneck blocks (the "t" of MobileNetV2).
const tExpansion = 6

// maybeNormalize applies batch normalization over the channels axis when enabled.
func maybeNormalize(ctx *context.Context, x *Node, batchNorm bool) *Node {
	if !batchNorm {
		return x
	}
	return batchnorm.New(ctx.In("norm"), x, -1).Done()
}

// convBlock is the "basic" mode H block: twice 3x3 convolution, optional
// batch normalization and relu, preserving the spatial dimensions.
func convBlock(ctx *context.Context, x *Node, filters int, batchNorm bool) *Node {
	x.AssertRank(4)
	for ii := range 2 {
		scopedCtx := ctx.Inf("conv_%d", ii)
		x = layers.Convolution(scopedCtx, x).Channels(filters).KernelSize(3).PadSame().Done()
		x = maybeNormalize(scopedCtx, x, batchNorm)
		x = activations.Relu(x)
	}
	return x
}

// relu6 is the clipped relu used by the mobile blocks.
func relu6(x *Node) *Node {
	return MinScalar(activations.Relu(x), 6)
}

// invertedResidualBlock is one MobileNetV2 inverted residual bottleneck:
// 1x1 expansion to tExpansion times the input channels, 3x3 depthwise
// convolution with the given stride, and a linear 1x1 projection to filters
// channels. The residual connection is added whenever the shapes allow
// (stride 1 and unchanged channel count).
func invertedResidualBlock(ctx *context.Context, x *Node, filters, strides int, batchNorm bool) *Node {
	x.AssertRank(4)
	inputChannels := x.Shape().Dimensions[3]
	expanded := inputChannels * tExpansion
	residual := x

	y := layers.Convolution(ctx.In("expand"), x).Channels(expanded).KernelSize(1).PadSame().Done()
	y = maybeNormalize(ctx.In("expand"), y, batchNorm)
	y = relu6(y)

	y = layers.Convolution(ctx.In("depthwise"), y).
		Channels(expanded).ChannelGroupCount(expanded).
		KernelSize(3).Strides(strides).PadSame().Done()
	y = maybeNormalize(ctx.In("depthwise"), y, batchNorm)
	y = relu6(y)

	// Linear bottleneck: no activation after the projection.
	y = layers.Convolution(ctx.In("project"), y).Channels(filters).KernelSize(1).PadSame().Done()
	y = maybeNormalize(ctx.In("project"), y, batchNorm)

	if strides == 1 && inputChannels == filters {
		y = Add(y, residual)
	}
	return y
}

// bottleneckSequence chains nIter inverted residual blocks. Only the first
// block carries the stride; the rest keep the spatial dimensions so the
// sequence downsamples at most once.
func bottleneckSequence(ctx *context.Context, x *Node, filters, strides, nIter int, batchNorm bool) *Node {
	if nIter < 1 {
		Panicf("unetpp: bottleneck sequence requires at least 1 iteration, got %d", nIter)
	}
	for ii := range nIter {
		blockStrides := 1
		if ii == 0 {
			blockStrides = strides
		}
		x = invertedResidualBlock(ctx.Inf("bottleneck_%d", ii), x, filters, blockStrides, batchNorm)
	}
	return x
}

// upsampleBlock doubles the spatial dimensions by interpolation (nearest or
// bilinear, per mode) and projects to filters channels with a 2x2 convolution.
func upsampleBlock(ctx *context.Context, x *Node, filters int, batchNorm bool, mode UpsampleMode) *Node {
	x.AssertRank(4)
	upSampled := Interpolate(x, images.GetUpSampledSizes(x, images.ChannelsLast, 2)...)
	switch mode {
	case UpsampleNearest:
		upSampled = upSampled.Nearest()
	case UpsampleBilinear:
		upSampled = upSampled.Bilinear()
	default:
		Panicf("unetpp: unsupported upsample mode %q", mode)
	}
	x = upSampled.Done()
	x = layers.Convolution(ctx, x).Channels(filters).KernelSize(2).PadSame().Done()
	x = maybeNormalize(ctx, x, batchNorm)
	return activations.Relu(x)
}

// outputHead projects x to the head's channel count with a 1x1 convolution
// and applies the head activation: sigmoid for "bin", softmax over channels
// for "mult", sigmoid for anything else.
func outputHead(ctx *context.Context, x *Node, head Head) *Node {
	x = layers.Convolution(ctx, x).Channels(head.Channels).KernelSize(1).PadSame().Done()
	switch head.Name {
	case "mult":
		return Softmax(x)
	default: // "bin" and unrecognized head names.
		return Sigmoid(x)
	}
}
