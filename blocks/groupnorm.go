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
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/xslices"
)

// DefaultGroups is the number of groups used by ConvGnSilu if not otherwise configured.
const DefaultGroups = 8

// GroupNormBuilder is a helper to build a group normalization computation. Create it with GroupNormalization,
// set the desired parameters and when all is set, call Done.
type GroupNormBuilder struct {
	ctx           *context.Context
	x             *Node
	groups        int
	epsilon       float64
	center, scale bool
}

// GroupNormalization normalizes a channels-first feature map `x` (shaped `[batch, channels, spatial...]`)
// over groups of channels: the channels are split in `groups` contiguous groups, and the mean and
// variance are taken over each group and all the spatial dimensions, separately for each example.
//
// The number of channels must be divisible by groups, otherwise it panics: this is a configuration
// error of the model.
//
// A learned per-channel scale and offset are applied after the normalization (both enabled by default).
// It behaves the same during training and inference.
//
// Based on "Group Normalization" (Yuxin Wu, Kaiming He), https://arxiv.org/abs/1803.08494
func GroupNormalization(ctx *context.Context, x *Node, groups int) *GroupNormBuilder {
	return &GroupNormBuilder{
		ctx:     ctx.In("group_normalization"),
		x:       x,
		groups:  groups,
		epsilon: 1e-5,
		center:  true,
		scale:   true,
	}
}

// Epsilon is a small float added to variance to avoid dividing by zero. It defaults to 1e-5.
func (builder *GroupNormBuilder) Epsilon(value float64) *GroupNormBuilder {
	builder.epsilon = value
	return builder
}

// LearnedOffset defines whether a learned per-channel offset is added after normalization. Default is true.
func (builder *GroupNormBuilder) LearnedOffset(value bool) *GroupNormBuilder {
	builder.center = value
	return builder
}

// LearnedScale defines whether a learned per-channel scale is applied after normalization. Default is true.
func (builder *GroupNormBuilder) LearnedScale(value bool) *GroupNormBuilder {
	builder.scale = value
	return builder
}

// Done finishes configuring the GroupNormalization and generates the graph computation to normalize the input.
func (builder *GroupNormBuilder) Done() *Node {
	ctx := builder.ctx
	x := builder.x
	g := x.Graph()
	if x.Rank() < 3 {
		exceptions.Panicf("GroupNormalization requires x to be shaped [batch, channels, spatial...], got %s", x.Shape())
	}
	if !CheckGroups(x.Shape().Dimensions[ChannelsAxis], builder.groups) {
		exceptions.Panicf("GroupNormalization: %d channels cannot be split in %d groups",
			x.Shape().Dimensions[ChannelsAxis], builder.groups)
	}

	dims := x.Shape().Dimensions
	batchSize, channels := dims[0], dims[ChannelsAxis]
	groupedDims := append([]int{batchSize, builder.groups, channels / builder.groups}, dims[2:]...)
	grouped := Reshape(x, groupedDims...)
	normalizingAxes := xslices.Iota(2, len(groupedDims)-2)

	mean := ReduceAndKeep(grouped, ReduceMean, normalizingAxes...)
	normalized := Sub(grouped, mean)
	variance := ReduceAndKeep(Square(normalized), ReduceMean, normalizingAxes...)
	normalized = Div(normalized, Sqrt(AddScalar(variance, builder.epsilon)))
	normalized = Reshape(normalized, dims...)

	// One scale and offset per channel.
	varDims := xslices.SliceWithValue(x.Rank(), 1)
	varDims[ChannelsAxis] = channels
	varShape := shapes.Make(x.DType(), varDims...)
	if builder.scale {
		scaleVar := ctx.WithInitializer(initializers.One).VariableWithShape("scale", varShape)
		normalized = Mul(normalized, scaleVar.ValueGraph(g))
	}
	if builder.center {
		offsetVar := ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", varShape)
		normalized = Add(normalized, offsetVar.ValueGraph(g))
	}
	return normalized
}

// CheckGroups returns whether channels can be split evenly in the given number of groups.
func CheckGroups(channels, groups int) bool {
	return groups > 0 && channels > 0 && channels%groups == 0
}
