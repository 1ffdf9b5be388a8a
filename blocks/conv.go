/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package blocks holds the plain feed-forward building blocks used by the switched generator:
// convolution+normalization+activation units, group normalization, multi-layer convolution
// branches, the halving/expansion blocks of the multiplexer U-Net and residual dense blocks.
//
// All blocks work on channels-first feature maps, shaped `[batch, channels, height, width]`.
package blocks

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/types/shapes"
	timages "github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
)

// ChannelsAxis used by all blocks.
const ChannelsAxis = 1

// LeakyReluAlpha is the negative slope used by ConvBnLelu.
const LeakyReluAlpha = 0.2

type convFlavor int

const (
	flavorBnLelu convFlavor = iota
	flavorGnSilu
)

// ConvBuilder configures a convolution followed by an optional normalization and an optional activation.
// Create it with ConvBnLelu or ConvGnSilu, and call Done once configured.
type ConvBuilder struct {
	ctx                       *context.Context
	x                         *Node
	flavor                    convFlavor
	filters, kernelSize       int
	stride, groups            int
	useBias, norm, activation bool
	initScale                 float64
}

// ConvBnLelu builds a convolution, followed by a batch normalization and a leaky-relu (alpha=0.2).
//
// Defaults: kernel size 3, stride 1, with bias, normalization and activation enabled.
func ConvBnLelu(ctx *context.Context, x *Node, filters int) *ConvBuilder {
	return newConv(ctx, x, filters, flavorBnLelu)
}

// ConvGnSilu builds a convolution, followed by a group normalization (8 groups by default) and a swish (silu)
// activation.
//
// Defaults: kernel size 3, stride 1, with bias, normalization and activation enabled.
func ConvGnSilu(ctx *context.Context, x *Node, filters int) *ConvBuilder {
	return newConv(ctx, x, filters, flavorGnSilu)
}

func newConv(ctx *context.Context, x *Node, filters int, flavor convFlavor) *ConvBuilder {
	return &ConvBuilder{
		ctx:        ctx,
		x:          x,
		flavor:     flavor,
		filters:    filters,
		kernelSize: 3,
		stride:     1,
		groups:     DefaultGroups,
		useBias:    true,
		norm:       true,
		activation: true,
		initScale:  1.0,
	}
}

// KernelSize of the square convolution kernel. Default is 3.
func (b *ConvBuilder) KernelSize(size int) *ConvBuilder {
	b.kernelSize = size
	return b
}

// Stride of the convolution. Default is 1. Padding is always "same", so a stride of 2 halves the spatial dimensions.
func (b *ConvBuilder) Stride(stride int) *ConvBuilder {
	b.stride = stride
	return b
}

// Bias sets whether the convolution uses a learned bias.
func (b *ConvBuilder) Bias(useBias bool) *ConvBuilder {
	b.useBias = useBias
	return b
}

// Norm enables or disables the normalization after the convolution.
func (b *ConvBuilder) Norm(norm bool) *ConvBuilder {
	b.norm = norm
	return b
}

// Activation enables or disables the activation at the end.
func (b *ConvBuilder) Activation(activation bool) *ConvBuilder {
	b.activation = activation
	return b
}

// Groups sets the number of groups for the group normalization. Only used by ConvGnSilu.
func (b *ConvBuilder) Groups(groups int) *ConvBuilder {
	b.groups = groups
	return b
}

// InitScale multiplies the initial random weights of the convolution by the given factor.
// Small values (e.g. 0.1) make residual branches start close to the identity.
func (b *ConvBuilder) InitScale(factor float64) *ConvBuilder {
	b.initScale = factor
	return b
}

// Done builds the convolution unit and returns its output.
func (b *ConvBuilder) Done() *Node {
	x := b.x
	x.AssertRank(4)
	if b.filters <= 0 {
		exceptions.Panicf("blocks: convolution with invalid number of filters %d", b.filters)
	}
	convCtx := b.ctx
	if b.initScale != 1.0 {
		convCtx = convCtx.WithInitializer(ScaledInitializer(b.ctx, b.initScale))
	}
	x = layers.Convolution(convCtx, x).
		Filters(b.filters).
		KernelSize(b.kernelSize).
		Strides(b.stride).
		PadSame().
		UseBias(b.useBias).
		ChannelsAxis(timages.ChannelsFirst).
		Done()
	if b.norm {
		switch b.flavor {
		case flavorBnLelu:
			x = batchnorm.New(b.ctx.In("batch_norm"), x, ChannelsAxis).Done()
		case flavorGnSilu:
			x = GroupNormalization(b.ctx, x, b.groups).Done()
		}
	}
	if b.activation {
		switch b.flavor {
		case flavorBnLelu:
			x = activations.LeakyReluWithAlpha(x, LeakyReluAlpha)
		case flavorGnSilu:
			x = activations.Swish(x)
		}
	}
	return x
}

// ScaledInitializer returns the Xavier normal initializer configured in ctx, with the values multiplied by factor.
func ScaledInitializer(ctx *context.Context, factor float64) func(g *Graph, shape shapes.Shape) *Node {
	base := initializers.XavierNormalFn(ctx)
	return func(g *Graph, shape shapes.Shape) *Node {
		return MulScalar(base(g, shape), factor)
	}
}

// LearnedScalar returns the value of a trainable scalar variable named name in ctx, created with initValue
// if it doesn't exist yet.
func LearnedScalar(ctx *context.Context, g *Graph, dtype dtypes.DType, name string, initValue float64) *Node {
	v := ctx.WithInitializer(func(g *Graph, shape shapes.Shape) *Node {
		return Scalar(g, shape.DType, initValue)
	}).VariableWithShape(name, shapes.Make(dtype))
	return v.ValueGraph(g)
}

// UpSample2x doubles the spatial dimensions of a channels-first feature map by repeating each
// value (nearest neighbor).
func UpSample2x(x *Node) *Node {
	x.AssertRank(4)
	dims := x.Shape().Dimensions
	batchSize, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	upSampled := InsertAxes(x, -1)
	upSampled = Concatenate([]*Node{upSampled, upSampled}, -1)
	upSampled = Reshape(upSampled, batchSize, channels, height, 2*width)
	upSampled = InsertAxes(upSampled, 3)
	upSampled = Concatenate([]*Node{upSampled, upSampled}, 3)
	return Reshape(upSampled, batchSize, channels, 2*height, 2*width)
}
