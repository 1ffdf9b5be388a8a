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

// Package multiplexer implements the networks that score, for every location of a feature map, each
// branch of a switch: ConvBasis, an encoder-decoder over the conditioning feature map, and Backbone,
// that decodes the cached features of an auxiliary backbone.
package multiplexer

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/switchedsr/blocks"
	"github.com/gomlx/switchedsr/switching"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// reductionGroups is the number of groups of the normalization in the reduction head.
const reductionGroups = 4

// ConvBasisConfig holds the construction parameters of a ConvBasis multiplexer.
type ConvBasisConfig struct {
	// BaseFilters is the width of the first convolution. It must be divisible by 8 (the group normalization groups).
	BaseFilters int

	// Reductions is the number of halving (and matching expansion) blocks. The conditioning feature map spatial
	// dimensions must be divisible by 2^Reductions.
	Reductions int

	// ProcessingDepth is the number of convolutions at the lowest resolution.
	ProcessingDepth int

	// NumBranches is the number of logits generated per location.
	NumBranches int

	// UseGroupNorm enables the normalization of the first two convolutions of the reduction head.
	UseGroupNorm bool
}

// ConvBasis is the encoder-decoder multiplexer: a U-Net over the conditioning feature map followed by a
// head that gradually reduces the channels down to the number of branches.
type ConvBasis struct {
	config                 ConvBasisConfig
	reduction1, reduction2 int
}

var _ switching.Multiplexer = (*ConvBasis)(nil)

// ReductionChannels returns the widths of the first two convolutions of the reduction head, that close the
// gap between baseFilters and numBranches in steps, rounded down to multiples of 4.
func ReductionChannels(baseFilters, numBranches int) (first, second int) {
	gap := baseFilters - numBranches
	first = ((baseFilters - gap/2) / 4) * 4
	second = ((baseFilters - 3*gap/4) / 4) * 4
	return
}

// NewConvBasis validates the configuration and returns the ConvBasis multiplexer.
func NewConvBasis(config ConvBasisConfig) (*ConvBasis, error) {
	if config.NumBranches < 1 {
		return nil, errors.Errorf("ConvBasis requires NumBranches >= 1, got %d", config.NumBranches)
	}
	if config.BaseFilters <= 0 || config.Reductions < 0 || config.ProcessingDepth < 0 {
		return nil, errors.Errorf("ConvBasis invalid sizes: BaseFilters=%d, Reductions=%d, ProcessingDepth=%d",
			config.BaseFilters, config.Reductions, config.ProcessingDepth)
	}
	if !blocks.CheckGroups(config.BaseFilters, blocks.DefaultGroups) {
		return nil, errors.Errorf("ConvBasis BaseFilters=%d must be divisible by %d (group normalization)",
			config.BaseFilters, blocks.DefaultGroups)
	}
	cb := &ConvBasis{config: config}
	cb.reduction1, cb.reduction2 = ReductionChannels(config.BaseFilters, config.NumBranches)
	if cb.reduction1 <= 0 || cb.reduction2 <= 0 {
		return nil, errors.Errorf("ConvBasis with BaseFilters=%d and NumBranches=%d yields non-positive reduction "+
			"widths (%d, %d)", config.BaseFilters, config.NumBranches, cb.reduction1, cb.reduction2)
	}
	return cb, nil
}

// NumBranches implements switching.Multiplexer.
func (cb *ConvBasis) NumBranches() int { return cb.config.NumBranches }

// Logits implements switching.Multiplexer.
func (cb *ConvBasis) Logits(ctx *context.Context, conditioning *Node) *Node {
	cfg := cb.config
	conditioning.AssertRank(4)
	dims := conditioning.Shape().Dimensions
	divisor := 1 << cfg.Reductions
	if dims[2]%divisor != 0 || dims[3]%divisor != 0 {
		exceptions.Panicf("ConvBasis with %d reductions requires spatial dimensions divisible by %d, got %s",
			cfg.Reductions, divisor, conditioning.Shape())
	}

	x := blocks.ConvGnSilu(ctx.In("filter_conv"), conditioning, cfg.BaseFilters).Done()
	skips := make([]*Node, 0, cfg.Reductions)
	for ii := range cfg.Reductions {
		skips = append(skips, x)
		x = blocks.HalvingBlock(ctx.Inf("reduction_%d", ii), x)
	}
	channels := x.Shape().Dimensions[blocks.ChannelsAxis]
	for ii := range cfg.ProcessingDepth {
		x = blocks.ConvGnSilu(ctx.Inf("processing_%d", ii), x, channels).Bias(false).Done()
	}
	for ii := range cfg.Reductions {
		x = blocks.ExpansionBlock(ctx.Inf("expansion_%d", ii), x, skips[len(skips)-ii-1])
	}

	x = blocks.ConvGnSilu(ctx.In("reduction_head_0"), x, cb.reduction1).
		Groups(reductionGroups).Bias(false).Norm(cfg.UseGroupNorm).Done()
	x = blocks.ConvGnSilu(ctx.In("reduction_head_1"), x, cb.reduction2).
		Groups(reductionGroups).Bias(false).Norm(cfg.UseGroupNorm).Done()
	x = blocks.ConvGnSilu(ctx.In("reduction_head_2"), x, cfg.NumBranches).Norm(false).Done()
	klog.V(1).Infof("ConvBasis %q: %s -> logits %s", ctx.Scope(), conditioning.Shape(), x.Shape())
	return x
}
