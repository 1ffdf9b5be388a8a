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

package switching

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/switchedsr/blocks"
	"github.com/pkg/errors"
)

// FeatureTransform is one branch of a switch: it maps a feature map to a feature map with the same batch
// and spatial dimensions. Its variables are created in the given ctx, that is exclusive to the branch.
type FeatureTransform interface {
	Transform(ctx *context.Context, x *Node) *Node
}

// TransformFunc adapts a function to a FeatureTransform.
type TransformFunc func(ctx *context.Context, x *Node) *Node

// Transform implements FeatureTransform.
func (fn TransformFunc) Transform(ctx *context.Context, x *Node) *Node {
	return fn(ctx, x)
}

// TransformFactory creates the branch with the given index.
type TransformFactory func(index int) FeatureTransform

// BranchNoiseInit is the initial value of the learned per-branch noise scale.
const BranchNoiseInit = 0.01

// BranchPool is a fixed-size set of independently parameterized transforms.
type BranchPool struct {
	branches []FeatureTransform
	noise    bool
}

// NewBranchPool creates numBranches transforms using factory.
func NewBranchPool(numBranches int, factory TransformFactory) (*BranchPool, error) {
	if numBranches < 1 {
		return nil, errors.Errorf("branch pool requires at least one branch, got %d", numBranches)
	}
	if factory == nil {
		return nil, errors.New("branch pool requires a transform factory")
	}
	pool := &BranchPool{branches: make([]FeatureTransform, numBranches)}
	for ii := range pool.branches {
		pool.branches[ii] = factory(ii)
		if pool.branches[ii] == nil {
			return nil, errors.Errorf("transform factory returned nil for branch %d", ii)
		}
	}
	return pool, nil
}

// WithNoise enables adding learned-scale gaussian noise to the input of each branch, in Training mode only.
func (pool *BranchPool) WithNoise(enabled bool) *BranchPool {
	pool.noise = enabled
	return pool
}

// Len returns the number of branches.
func (pool *BranchPool) Len() int {
	return len(pool.branches)
}

// Apply runs every branch on x, each in its own scope under ctx, and returns their outputs.
//
// All outputs must have the same shape, and the batch and spatial dimensions of x. Otherwise, it panics.
func (pool *BranchPool) Apply(ctx *context.Context, x *Node, mode Mode) []*Node {
	x.AssertRank(4)
	g := x.Graph()
	outputs := make([]*Node, len(pool.branches))
	for ii, branch := range pool.branches {
		branchCtx := ctx.Inf("%02d", ii)
		input := x
		if pool.noise && mode == Training {
			noiseScale := blocks.LearnedScalar(branchCtx, g, x.DType(), "noise_scale", BranchNoiseInit)
			input = Add(input, Mul(branchCtx.RandomNormal(g, x.Shape()), noiseScale))
		}
		outputs[ii] = branch.Transform(branchCtx, input)
	}

	dims := x.Shape().Dimensions
	want := outputs[0].Shape()
	for ii, output := range outputs {
		if !output.Shape().Equal(want) {
			exceptions.Panicf("branch #%d output shape %s differs from branch #0 output shape %s", ii, output.Shape(), want)
		}
	}
	outDims := want.Dimensions
	if len(outDims) != 4 || outDims[0] != dims[0] || outDims[2] != dims[2] || outDims[3] != dims[3] {
		exceptions.Panicf("branch outputs shaped %s don't preserve batch and spatial dimensions of input %s", want, x.Shape())
	}
	return outputs
}
