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
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestCachedAdapterBeforeInvoke(t *testing.T) {
	adapter := NewCachedAdapter(NewConvPyramid())
	require.Panics(t, func() { _ = adapter.ForwardResult() })
}

func TestCachedAdapterIdentity(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "test")
	adapter := NewCachedAdapter(NewConvPyramid(8, 16))
	image := Zeros(g, shapes.Make(dtypes.Float32, 2, 3, 16, 16))
	result := adapter.Invoke(ctx.In("backbone"), image)
	require.Len(t, result, 2)
	cached := adapter.ForwardResult()
	// Same slice, not a copy.
	assert.Same(t, &result[0], &cached[0])
	assert.Equal(t, len(result), len(cached))
	assert.NoError(t, cached[0].Shape().CheckDims(2, 16, 4, 4))
	assert.NoError(t, cached[1].Shape().CheckDims(2, 8, 8, 8))

	adapter.Reset()
	require.Panics(t, func() { _ = adapter.ForwardResult() })
}

func TestConvPyramidFrozen(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "test")
	image := Zeros(g, shapes.Make(dtypes.Float32, 1, 3, 32, 32))
	features := NewConvPyramid().Extract(ctx.In("backbone"), image)
	require.Len(t, features, len(DefaultPyramidFilters))
	assert.NoError(t, features[0].Shape().CheckDims(1, 256, 4, 4))
	fmt.Printf("\tspine: %s\n", features[0].Shape())

	var numVars int
	ctx.EnumerateVariables(func(v *context.Variable) {
		numVars++
		assert.Falsef(t, v.Trainable, "variable %s should be frozen", v.ParameterName())
	})
	assert.Greater(t, numVars, 0)
}
