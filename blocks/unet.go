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

// HalvingBlock halves the spatial dimensions with a strided convolution and doubles the number of channels,
// followed by a normalized convolution. Both are ConvGnSilu without bias.
func HalvingBlock(ctx *context.Context, x *Node) *Node {
	filters := 2 * x.Shape().Dimensions[ChannelsAxis]
	x = ConvGnSilu(ctx.In("000-halve"), x, filters).Stride(2).Norm(false).Bias(false).Done()
	return ConvGnSilu(ctx.In("001-process"), x, filters).Bias(false).Done()
}

// ExpansionBlock is the counterpart of HalvingBlock: it up-samples x by 2 (nearest), halves its channels
// and conjoins it with the skip connection passthrough, that must have the up-sampled spatial shape and half
// the channels of x.
func ExpansionBlock(ctx *context.Context, x, passthrough *Node) *Node {
	filters := x.Shape().Dimensions[ChannelsAxis] / 2
	x = UpSample2x(x)
	x = ConvGnSilu(ctx.In("000-decimate"), x, filters).KernelSize(1).Bias(false).Activation(false).Done()
	p := ConvGnSilu(ctx.In("001-passthrough"), passthrough, filters).Activation(false).Done()
	x = Concatenate([]*Node{x, p}, ChannelsAxis)
	x = ConvGnSilu(ctx.In("002-conjoin"), x, filters).Bias(false).Norm(false).Done()
	return ConvGnSilu(ctx.In("003-process"), x, filters).Bias(false).Done()
}
