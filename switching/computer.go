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

const (
	// InputNoiseInit is the initial value of the learned scale of the noise added to the switch input.
	InputNoiseInit = 1e-3

	// PostSwitchScaleInit is the initial value of the learned scale of the post-switch refinement convolution.
	PostSwitchScaleInit = 0.1
)

// ComputerConfig holds the construction parameters of a SwitchComputer.
type ComputerConfig struct {
	// Filters is the number of channels of the input, the branch outputs and the output.
	Filters int

	// NumBranches in the pool. The Multiplexer must generate exactly this number of logit channels.
	NumBranches int

	// Transform creates each of the branches.
	Transform TransformFactory

	// PreTransform is optional, and is applied to the input before the branches.
	PreTransform FeatureTransform

	// Multiplexer generates the routing logits from the conditioning feature map.
	Multiplexer Multiplexer

	// InitialTemperature of the switch.
	InitialTemperature float64

	// AttentionNorm enables the branch usage correction, see SwitchConfig.
	AttentionNorm bool

	// UsageMomentum of the branch usage moving average, see SwitchConfig.
	UsageMomentum float64

	// AddNoise adds gaussian noise, with a learned scale, to the input in Training mode.
	AddNoise bool

	// BranchNoise adds gaussian noise, with a learned scale per branch, to the input of each branch in Training mode.
	BranchNoise bool

	// SwitchScaleInit is the initial value of the learned scale of the blended output. Defaults to 1 if 0.
	SwitchScaleInit float64
}

// SwitchComputer is the complete switching unit: optional noise and pre-transform, the branch pool, the
// multiplexer, the switch and the residual wrapper around the switch output.
type SwitchComputer struct {
	config ComputerConfig
	pool   *BranchPool
	sw     *Switch
}

// NewSwitchComputer validates the configuration and creates the SwitchComputer.
//
// It fails if the multiplexer generates a number of logits different from the number of branches.
func NewSwitchComputer(config ComputerConfig) (*SwitchComputer, error) {
	if config.Filters <= 0 {
		return nil, errors.Errorf("switch computer requires Filters > 0, got %d", config.Filters)
	}
	if config.Multiplexer == nil {
		return nil, errors.New("switch computer requires a Multiplexer")
	}
	if config.Multiplexer.NumBranches() != config.NumBranches {
		return nil, errors.Errorf("switch computer with %d branches cannot use a multiplexer generating %d logits",
			config.NumBranches, config.Multiplexer.NumBranches())
	}
	if config.SwitchScaleInit == 0 {
		config.SwitchScaleInit = 1.0
	}
	pool, err := NewBranchPool(config.NumBranches, config.Transform)
	if err != nil {
		return nil, errors.WithMessagef(err, "switch computer branches")
	}
	pool.WithNoise(config.BranchNoise)
	sw, err := NewSwitch(config.NumBranches, SwitchConfig{
		InitialTemperature: config.InitialTemperature,
		AttentionNorm:      config.AttentionNorm,
		UsageMomentum:      config.UsageMomentum,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "switch computer")
	}
	return &SwitchComputer{config: config, pool: pool, sw: sw}, nil
}

// NumBranches returns the number of branches of the switch.
func (sc *SwitchComputer) NumBranches() int { return sc.config.NumBranches }

// Switch returns the internal switch.
func (sc *SwitchComputer) Switch() *Switch { return sc.sw }

// SetTemperature of the internal switch.
func (sc *SwitchComputer) SetTemperature(t float64) { sc.sw.SetTemperature(t) }

// Temperature of the internal switch.
func (sc *SwitchComputer) Temperature() float64 { return sc.sw.Temperature() }

// ComputerCall configures one forward call of a SwitchComputer. Create it with SwitchComputer.Call and
// finish with Done.
type ComputerCall struct {
	sc                     *SwitchComputer
	ctx                    *context.Context
	x                      *Node
	identity, conditioning *Node
	fixedScale             float64
	mode                   Mode
}

// Call starts building the switch computer on input x, with variables in ctx.
//
// By default, identity and conditioning are x, fixed scale is 1 and mode is Inference.
func (sc *SwitchComputer) Call(ctx *context.Context, x *Node) *ComputerCall {
	return &ComputerCall{
		sc:         sc,
		ctx:        ctx,
		x:          x,
		fixedScale: 1.0,
		mode:       Inference,
	}
}

// Identity sets the residual the blended output is added to.
func (c *ComputerCall) Identity(identity *Node) *ComputerCall {
	c.identity = identity
	return c
}

// Conditioning sets the feature map fed to the multiplexer.
func (c *ComputerCall) Conditioning(conditioning *Node) *ComputerCall {
	c.conditioning = conditioning
	return c
}

// FixedScale multiplies both the blended output and the post-switch refinement.
func (c *ComputerCall) FixedScale(scale float64) *ComputerCall {
	c.fixedScale = scale
	return c
}

// Mode sets training or inference behavior.
func (c *ComputerCall) Mode(mode Mode) *ComputerCall {
	c.mode = mode
	return c
}

// Done builds the switch computer and returns its output and the attention (routing distribution), shaped
// `[batch, numBranches, height, width]`.
func (c *ComputerCall) Done() (output, attention *Node) {
	sc, ctx, x := c.sc, c.ctx, c.x
	x.AssertRank(4)
	g := x.Graph()
	dtype := x.DType()
	identity, conditioning := c.identity, c.conditioning
	if identity == nil {
		identity = x
	}
	if conditioning == nil {
		conditioning = x
	}

	if sc.config.AddNoise && c.mode == Training {
		noiseScale := blocks.LearnedScalar(ctx, g, dtype, "noise_scale", InputNoiseInit)
		x = Add(x, Mul(ctx.RandomNormal(g, x.Shape()), noiseScale))
	}
	if sc.config.PreTransform != nil {
		x = sc.config.PreTransform.Transform(ctx.In("pre_transform"), x)
	}
	branchOutputs := sc.pool.Apply(ctx.In("branches"), x, c.mode)
	logits := sc.config.Multiplexer.Logits(ctx.In("multiplexer"), conditioning)
	blended, attention := sc.sw.Route(ctx.In("switch"), branchOutputs, logits, c.mode)
	if !blended.Shape().Equal(identity.Shape()) {
		exceptions.Panicf("switch computer: blended output shaped %s cannot be added to identity shaped %s",
			blended.Shape(), identity.Shape())
	}
	if channels := identity.Shape().Dimensions[1]; channels != sc.config.Filters {
		exceptions.Panicf("switch computer configured with %d filters got %d channels", sc.config.Filters, channels)
	}

	switchScale := blocks.LearnedScalar(ctx, g, dtype, "switch_scale", sc.config.SwitchScaleInit)
	output = Add(identity, MulScalar(Mul(blended, switchScale), c.fixedScale))

	postScale := blocks.LearnedScalar(ctx, g, dtype, "post_switch_scale", PostSwitchScaleInit)
	refined := blocks.ConvBnLelu(ctx.In("post_switch_conv"), output, sc.config.Filters).Norm(false).Done()
	output = Add(output, MulScalar(Mul(refined, postScale), c.fixedScale))
	return output, attention
}
