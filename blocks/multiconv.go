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

package blocks

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// MultiConvBuilder configures a stack of ConvBnLelu layers. Create it with MultiConv and call Done.
type MultiConvBuilder struct {
	ctx                    *context.Context
	x                      *Node
	midFilters, outFilters int
	kernelSize, depth      int
	scaleInit, initScale   float64
	norm                   bool
}

// MultiConv is the transform used as a switch branch: `depth` ConvBnLelu layers, the first going to
// midFilters channels, the last one going to outFilters with no normalization and no activation.
// The result is multiplied by a learned scale and shifted by a learned bias:
//
//	output = convs(x) * scale + bias
//
// Defaults: kernel size 3, depth 2, scale initialized to 1, no normalization.
func MultiConv(ctx *context.Context, x *Node, midFilters, outFilters int) *MultiConvBuilder {
	return &MultiConvBuilder{
		ctx:        ctx,
		x:          x,
		midFilters: midFilters,
		outFilters: outFilters,
		kernelSize: 3,
		depth:      2,
		scaleInit:  1.0,
		initScale:  1.0,
	}
}

// KernelSize of every convolution.
func (b *MultiConvBuilder) KernelSize(size int) *MultiConvBuilder {
	b.kernelSize = size
	return b
}

// Depth is the number of convolutions, it must be >= 2.
func (b *MultiConvBuilder) Depth(depth int) *MultiConvBuilder {
	b.depth = depth
	return b
}

// ScaleInit is the initial value of the learned output scale.
func (b *MultiConvBuilder) ScaleInit(value float64) *MultiConvBuilder {
	b.scaleInit = value
	return b
}

// InitScale multiplies the initial random weights of every convolution. See ConvBuilder.InitScale.
func (b *MultiConvBuilder) InitScale(factor float64) *MultiConvBuilder {
	b.initScale = factor
	return b
}

// Norm enables batch normalization in all but the last convolution.
func (b *MultiConvBuilder) Norm(norm bool) *MultiConvBuilder {
	b.norm = norm
	return b
}

// Done builds the stack of convolutions.
func (b *MultiConvBuilder) Done() *Node {
	if b.depth < 2 {
		exceptions.Panicf("MultiConv requires depth >= 2, got %d", b.depth)
	}
	ctx := b.ctx
	x := b.x
	g := x.Graph()
	for ii := 0; ii < b.depth; ii++ {
		layerCtx := ctx.Inf("%03d-conv", ii)
		if ii < b.depth-1 {
			x = ConvBnLelu(layerCtx, x, b.midFilters).
				KernelSize(b.kernelSize).Norm(b.norm).Bias(false).InitScale(b.initScale).Done()
		} else {
			x = ConvBnLelu(layerCtx, x, b.outFilters).
				KernelSize(b.kernelSize).Norm(false).Activation(false).Bias(false).InitScale(b.initScale).Done()
		}
	}
	scale := LearnedScalar(ctx, g, x.DType(), "scale", b.scaleInit)
	bias := LearnedScalar(ctx, g, x.DType(), "bias", 0)
	return Add(Mul(x, scale), bias)
}
