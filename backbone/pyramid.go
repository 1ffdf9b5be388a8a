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

package backbone

import (
	"slices"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/switchedsr/blocks"
)

// DefaultPyramidFilters are the channels of each stride-2 level of ConvPyramid. The last level,
// at stride 8, is the one read by the backbone multiplexer.
var DefaultPyramidFilters = []int{64, 128, 256}

// ConvPyramid is a frozen feature extractor: a stack of stride-2 convolutions. Its variables are marked
// as not trainable and its outputs don't propagate gradients, so training the generator never changes it.
type ConvPyramid struct {
	filters []int
}

// NewConvPyramid creates a ConvPyramid with the given channels per level. If none are given,
// DefaultPyramidFilters is used.
func NewConvPyramid(filters ...int) *ConvPyramid {
	if len(filters) == 0 {
		filters = DefaultPyramidFilters
	}
	return &ConvPyramid{filters: filters}
}

// Extract implements Extractor. It returns the feature maps of every level, deepest (lowest resolution)
// first.
func (p *ConvPyramid) Extract(ctx *context.Context, image *Node) []*Node {
	image.AssertRank(4)
	x := image
	levels := make([]*Node, 0, len(p.filters))
	for ii, filters := range p.filters {
		x = blocks.ConvGnSilu(ctx.Inf("level_%d", ii), x, filters).Stride(2).Done()
		levels = append(levels, StopGradient(x))
	}
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		v.SetTrainable(false)
	})
	slices.Reverse(levels)
	return levels
}
