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
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// DenseGrowthChannels is the number of channels added by each convolution of a ResidualDenseBlock.
const DenseGrowthChannels = 32

// residualScale multiplies the residual of the dense blocks before adding it back.
const residualScale = 0.2

// ResidualDenseBlock applies 5 densely connected 3x3 convolutions (each one sees the concatenation of the input
// and all previous outputs) and adds the result, scaled by 0.2, to x. Output shape is the same as x.
func ResidualDenseBlock(ctx *context.Context, x *Node) *Node {
	filters := x.Shape().Dimensions[ChannelsAxis]
	features := []*Node{x}
	var out *Node
	for ii := 0; ii < 5; ii++ {
		input := features[0]
		if len(features) > 1 {
			input = Concatenate(features, ChannelsAxis)
		}
		layerCtx := ctx.Inf("%03d-conv", ii)
		if ii < 4 {
			out = ConvBnLelu(layerCtx, input, DenseGrowthChannels).Norm(false).InitScale(0.1).Done()
			features = append(features, out)
		} else {
			out = ConvBnLelu(layerCtx, input, filters).Norm(false).Activation(false).InitScale(0.1).Done()
		}
	}
	return Add(MulScalar(out, residualScale), x)
}

// RRDB (residual in residual dense block) chains 3 ResidualDenseBlock and adds the result, scaled by 0.2, to x.
func RRDB(ctx *context.Context, x *Node) *Node {
	residual := x
	for ii := 0; ii < 3; ii++ {
		x = ResidualDenseBlock(ctx.Inf("%03d-rdb", ii), x)
	}
	return Add(MulScalar(x, residualScale), residual)
}
