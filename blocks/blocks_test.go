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
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestUpSample2x(t *testing.T) {
	graphtest.RunTestGraphFn(t, "UpSample2x", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][][]float32{{{{1, 2}, {3, 4}}}})
		inputs = []*Node{x}
		outputs = []*Node{UpSample2x(x)}
		return
	}, []any{
		[][][][]float32{{{
			{1, 1, 2, 2},
			{1, 1, 2, 2},
			{3, 3, 4, 4},
			{3, 3, 4, 4},
		}}},
	}, 0)
}

func TestGroupNormalization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		normalized := GroupNormalization(ctx, x, 2).Done()
		// 4 channels in 2 groups: each group holds 2 channels of 3x3.
		grouped := Reshape(normalized, 2, 2, 2*3*3)
		mean := ReduceMean(grouped, -1)
		variance := ReduceMean(Square(Sub(grouped, InsertAxes(mean, -1))), -1)
		return []*Node{normalized, mean, variance}
	})
	input := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 4, 3, 3))
	tensors.MutableFlatData[float32](input, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32(ii%7) * float32(1+ii%3)
		}
	})
	outputs := exec.Call(input)
	require.NoError(t, outputs[0].Shape().CheckDims(2, 4, 3, 3))
	for _, m := range tensors.CopyFlatData[float32](outputs[1]) {
		assert.InDelta(t, 0.0, m, 1e-4)
	}
	for _, v := range tensors.CopyFlatData[float32](outputs[2]) {
		assert.InDelta(t, 1.0, v, 1e-2)
	}
}

func TestGroupNormalizationInvalidGroups(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "test")
	x := Zeros(g, shapes.Make(dtypes.Float32, 1, 6, 4, 4))
	require.Panics(t, func() { _ = GroupNormalization(ctx, x, 4).Done() })
	assert.True(t, CheckGroups(8, 4))
	assert.False(t, CheckGroups(6, 4))
	assert.False(t, CheckGroups(0, 4))
}

func TestBlockShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "test")
	x := Zeros(g, shapes.Make(dtypes.Float32, 2, 16, 8, 8))

	y := ConvBnLelu(ctx.In("bn_lelu"), x, 24).Stride(2).Done()
	assert.NoError(t, y.Shape().CheckDims(2, 24, 4, 4))
	fmt.Printf("\tConvBnLelu(stride=2): %s\n", y.Shape())

	y = ConvGnSilu(ctx.In("gn_silu"), x, 32).KernelSize(1).Done()
	assert.NoError(t, y.Shape().CheckDims(2, 32, 8, 8))

	halved := HalvingBlock(ctx.In("halving"), x)
	assert.NoError(t, halved.Shape().CheckDims(2, 32, 4, 4))
	expanded := ExpansionBlock(ctx.In("expansion"), halved, x)
	assert.NoError(t, expanded.Shape().CheckDims(2, 16, 8, 8))
	fmt.Printf("\tHalvingBlock: %s -> ExpansionBlock: %s\n", halved.Shape(), expanded.Shape())

	y = MultiConv(ctx.In("multiconv"), x, 24, 16).Depth(3).InitScale(0.1).Done()
	assert.NoError(t, y.Shape().CheckDims(2, 16, 8, 8))
	require.Panics(t, func() { _ = MultiConv(ctx.In("shallow"), x, 24, 16).Depth(1).Done() })

	y = RRDB(ctx.In("rrdb"), x)
	assert.NoError(t, y.Shape().CheckDims(2, 16, 8, 8))
	fmt.Printf("\t#params:\t%d\n", ctx.NumParameters())
}

func TestMultiConvScaleAndBias(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "test")
	x := Zeros(g, shapes.Make(dtypes.Float32, 1, 4, 4, 4))
	_ = MultiConv(ctx.In("branch"), x, 6, 4).ScaleInit(0.5).Done()
	scaleVar := ctx.InspectVariable("/branch", "scale")
	biasVar := ctx.InspectVariable("/branch", "bias")
	require.NotNil(t, scaleVar)
	require.NotNil(t, biasVar)
	assert.True(t, scaleVar.Shape().IsScalar())
	assert.Equal(t, dtypes.Float32, biasVar.Shape().DType)
}
