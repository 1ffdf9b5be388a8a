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

package multiplexer

import (
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/switchedsr/backbone"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestReductionChannels(t *testing.T) {
	first, second := ReductionChannels(32, 8)
	assert.Equal(t, 20, first)  // gap=24: ((32-12)/4)*4
	assert.Equal(t, 12, second) // ((32-18)/4)*4 = 12
	first, second = ReductionChannels(64, 4)
	assert.Equal(t, 32, first)
	assert.Equal(t, 16, second)
}

func TestNewConvBasisErrors(t *testing.T) {
	for _, cfg := range []ConvBasisConfig{
		{BaseFilters: 30, Reductions: 1, ProcessingDepth: 1, NumBranches: 4}, // Not divisible by 8.
		{BaseFilters: 0, Reductions: 1, ProcessingDepth: 1, NumBranches: 4},
		{BaseFilters: 8, Reductions: -1, ProcessingDepth: 1, NumBranches: 4},
		{BaseFilters: 32, Reductions: 1, ProcessingDepth: 1, NumBranches: 0},
		{BaseFilters: 8, Reductions: 1, ProcessingDepth: 1, NumBranches: 1}, // Second reduction width is 0.
	} {
		_, err := NewConvBasis(cfg)
		require.Errorf(t, err, "config %+v should fail", cfg)
		fmt.Printf("\tExpected error: %v\n", err)
	}
}

func TestConvBasisLogits(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, useGroupNorm := range []bool{false, true} {
		cb, err := NewConvBasis(ConvBasisConfig{
			BaseFilters:     16,
			Reductions:      2,
			ProcessingDepth: 2,
			NumBranches:     5,
			UseGroupNorm:    useGroupNorm,
		})
		require.NoError(t, err)
		assert.Equal(t, 5, cb.NumBranches())
		ctx := context.New()
		g := NewGraph(backend, "test")
		conditioning := Zeros(g, shapes.Make(dtypes.Float32, 2, 12, 8, 8))
		logits := cb.Logits(ctx.In("multiplexer"), conditioning)
		assert.NoError(t, logits.Shape().CheckDims(2, 5, 8, 8))
		fmt.Printf("\tConvBasis(group_norm=%v): %s -> %s, #params=%d\n",
			useGroupNorm, conditioning.Shape(), logits.Shape(), ctx.NumParameters())
	}
}

func TestConvBasisIndivisibleSpatial(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cb, err := NewConvBasis(ConvBasisConfig{BaseFilters: 8, Reductions: 2, ProcessingDepth: 1, NumBranches: 2})
	require.NoError(t, err)
	g := NewGraph(backend, "test")
	conditioning := Zeros(g, shapes.Make(dtypes.Float32, 1, 4, 6, 6))
	require.Panics(t, func() { _ = cb.Logits(context.New(), conditioning) })
}

func TestBackboneMultiplexer(t *testing.T) {
	adapter := backbone.NewCachedAdapter(backbone.NewConvPyramid(8, 16, 32))
	_, err := NewBackbone(adapter, 4, 30)
	require.Error(t, err)
	mux, err := NewBackbone(adapter, 4, 32)
	require.NoError(t, err)

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "test")
	conditioning := Zeros(g, shapes.Make(dtypes.Float32, 1, 8, 8, 8))
	// The backbone hasn't run yet.
	require.Panics(t, func() { _ = mux.Logits(ctx.In("multiplexer"), conditioning) })

	// Image at twice the resolution of the conditioning: stride-8 features are 1/4 of the conditioning.
	image := Zeros(g, shapes.Make(dtypes.Float32, 1, 3, 16, 16))
	adapter.Invoke(ctx.In("backbone"), image)
	logits := mux.Logits(ctx.In("multiplexer"), conditioning)
	assert.NoError(t, logits.Shape().CheckDims(1, 4, 8, 8))

	// Features cached for another graph are stale.
	g2 := NewGraph(backend, "other")
	other := Zeros(g2, shapes.Make(dtypes.Float32, 1, 8, 8, 8))
	require.Panics(t, func() { _ = mux.Logits(ctx.In("multiplexer").Reuse(), other) })
}

func TestConvBasisExec(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cb, err := NewConvBasis(ConvBasisConfig{BaseFilters: 8, Reductions: 1, ProcessingDepth: 1, NumBranches: 3})
	require.NoError(t, err)
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return cb.Logits(ctx, x)
	})
	input := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 3, 4, 4))
	logits := exec.Call(input)[0]
	require.NoError(t, logits.Shape().CheckDims(1, 3, 4, 4))
	// Deterministic given its parameters.
	again := exec.Call(input)[0]
	assert.Equal(t, tensors.CopyFlatData[float32](logits), tensors.CopyFlatData[float32](again))
}
