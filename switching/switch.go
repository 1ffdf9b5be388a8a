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
	"sync"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// TemperatureVariable is the name of the non-trainable scalar variable holding the switch temperature.
	TemperatureVariable = "temperature"

	// UsageVariable holds the moving average of the blend weight given to each branch, when attention
	// normalization is enabled.
	UsageVariable = "usage"

	// UsageCountVariable counts the updates to UsageVariable, used to de-bias the moving average.
	UsageCountVariable = "usage_count"

	// minRelativeUsage bounds the corrective bias of starving branches.
	minRelativeUsage = 1e-6
)

// SwitchConfig holds the construction parameters of a Switch.
type SwitchConfig struct {
	// InitialTemperature must be > 0.
	InitialTemperature float64

	// AttentionNorm enables the branch usage correction: a moving average of how much each branch is used
	// is kept, and `-log(usage/mean(usage))` is added to the scaled logits before the softmax, so
	// under-used branches get a boost.
	AttentionNorm bool

	// UsageMomentum of the branch usage moving average. If 0 it defaults to `1 - 1/(16*numBranches)`.
	UsageMomentum float64
}

// Switch normalizes routing logits into a distribution over branches, at a configurable temperature, and
// blends the branch outputs with it.
//
// The temperature is stored in a non-trainable variable, so changing it doesn't require recompiling
// the graph. A host copy is kept for checks and diagnostics.
type Switch struct {
	numBranches int
	config      SwitchConfig

	mu             sync.Mutex
	temperature    float64
	temperatureVar *context.Variable
}

// NewSwitch creates a Switch for numBranches branches.
func NewSwitch(numBranches int, config SwitchConfig) (*Switch, error) {
	if numBranches < 1 {
		return nil, errors.Errorf("switch requires at least one branch, got %d", numBranches)
	}
	if config.InitialTemperature <= 0 {
		return nil, errors.Errorf("switch initial temperature must be > 0, got %g", config.InitialTemperature)
	}
	if config.UsageMomentum == 0 {
		config.UsageMomentum = 1.0 - 1.0/float64(16*numBranches)
	}
	if config.UsageMomentum < 0 || config.UsageMomentum >= 1 {
		return nil, errors.Errorf("switch usage momentum must be in [0, 1), got %g", config.UsageMomentum)
	}
	return &Switch{
		numBranches: numBranches,
		config:      config,
		temperature: config.InitialTemperature,
	}, nil
}

// NumBranches returns the number of branches the switch routes to.
func (s *Switch) NumBranches() int { return s.numBranches }

// Temperature returns the current temperature.
func (s *Switch) Temperature() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.temperature
}

// SetTemperature changes the temperature used from the next execution on. Only t > 0 is valid, and it is
// the caller's responsibility.
func (s *Switch) SetTemperature(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temperature = t
	if s.temperatureVar != nil {
		s.temperatureVar.SetValue(tensors.FromScalar(float32(t)))
	}
}

// CheckMode panics if mode is Inference and the switch is not fully sharpened (temperature == 1).
// Evaluating a partially annealed switch is a caller bug.
func (s *Switch) CheckMode(mode Mode) {
	if mode != Inference {
		return
	}
	if t := s.Temperature(); t != 1 {
		exceptions.Panicf("switch used in %s mode with temperature %g: temperature must be 1 for evaluation", mode, t)
	}
}

// temperatureNode returns the temperature variable value for graph g, converted to dtype.
func (s *Switch) temperatureNode(ctx *context.Context, g *Graph, dtype dtypes.DType) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := ctx.VariableWithValue(TemperatureVariable, float32(s.temperature)).SetTrainable(false)
	if v != s.temperatureVar {
		// Newly bound (or loaded) variable: the host temperature is the source of truth.
		s.temperatureVar = v
		v.SetValue(tensors.FromScalar(float32(s.temperature)))
	}
	return ConvertDType(v.ValueGraph(g), dtype)
}

// Route normalizes logits (shaped `[batch, numBranches, height, width]`) into the routing distribution
// (attention) over the branches with `Softmax(logits/temperature)`, and blends branchOutputs (each shaped
// `[batch, channels, height, width]`) with it.
//
// If attention normalization is enabled, the blend uses the usage corrected distribution, and in Training
// mode the usage moving average is updated.
//
// It returns the blended feature map and the raw attention, not affected by the usage correction.
func (s *Switch) Route(ctx *context.Context, branchOutputs []*Node, logits *Node, mode Mode) (blended, attention *Node) {
	s.CheckMode(mode)
	if len(branchOutputs) != s.numBranches {
		exceptions.Panicf("switch configured for %d branches was given %d branch outputs", s.numBranches, len(branchOutputs))
	}
	logits.AssertRank(4)
	g := logits.Graph()
	dtype := logits.DType()
	logitDims := logits.Shape().Dimensions
	if logitDims[1] != s.numBranches {
		exceptions.Panicf("switch configured for %d branches got logits with %d channels (shape %s)",
			s.numBranches, logitDims[1], logits.Shape())
	}
	for ii, branch := range branchOutputs {
		dims := branch.Shape().Dimensions
		if branch.Rank() != 4 || dims[0] != logitDims[0] || dims[2] != logitDims[2] || dims[3] != logitDims[3] {
			exceptions.Panicf("branch #%d output shaped %s doesn't match the batch and spatial dimensions of logits %s",
				ii, branch.Shape(), logits.Shape())
		}
	}

	scaled := Div(logits, s.temperatureNode(ctx, g, dtype))
	attention = Softmax(scaled, 1)
	weights := attention
	if s.config.AttentionNorm {
		weights = s.usageCorrected(ctx.In("attention_norm"), scaled, mode)
	}
	blended = Blend(branchOutputs, weights)
	return
}

// usageCorrected returns the softmax of scaled logits corrected by the branch usage moving average. In Training mode
// it also updates the moving average with the corrected weights.
func (s *Switch) usageCorrected(ctx *context.Context, scaled *Node, mode Mode) *Node {
	g := scaled.Graph()
	dtype := scaled.DType()
	numBranches := s.numBranches
	usageVar := ctx.WithInitializer(func(g *Graph, shape shapes.Shape) *Node {
		return MulScalar(Ones(g, shape), 1.0/float64(numBranches))
	}).VariableWithShape(UsageVariable, shapes.Make(dtype, numBranches)).SetTrainable(false)
	countVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape(UsageCountVariable, shapes.Make(dtype)).SetTrainable(false)

	usage := usageVar.ValueGraph(g)
	relativeUsage := Div(usage, ReduceAllMean(usage))
	bias := Neg(Log(Max(relativeUsage, ConstAs(relativeUsage, minRelativeUsage))))
	bias = Reshape(bias, 1, numBranches, 1, 1)
	weights := Softmax(Add(scaled, bias), 1)

	if mode == Training {
		batchUsage := StopGradient(ReduceMean(weights, 0, 2, 3))
		count := OnePlus(countVar.ValueGraph(g))
		countVar.SetValueGraph(count)
		momentum := Min(ConstAs(count, s.config.UsageMomentum), OneMinus(Inverse(count)))
		usage = Add(Mul(momentum, usage), Mul(OneMinus(momentum), batchUsage))
		usageVar.SetValueGraph(usage)
		klog.V(2).Infof("switch %q: usage accumulator updated in training graph", ctx.Scope())
	}
	return weights
}

// Blend returns the per-location weighted sum of the branch outputs. Each branch output is shaped
// `[batch, channels, height, width]` and weights is shaped `[batch, len(branchOutputs), height, width]`.
func Blend(branchOutputs []*Node, weights *Node) *Node {
	expanded := make([]*Node, len(branchOutputs))
	for ii, branch := range branchOutputs {
		expanded[ii] = InsertAxes(branch, 1)
	}
	stacked := expanded[0]
	if len(expanded) > 1 {
		stacked = Concatenate(expanded, 1) // [batch, numBranches, channels, height, width]
	}
	return ReduceSum(Mul(stacked, InsertAxes(weights, 2)), 1)
}
