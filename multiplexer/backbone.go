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
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/switchedsr/backbone"
	"github.com/gomlx/switchedsr/blocks"
	"github.com/gomlx/switchedsr/switching"
	"github.com/pkg/errors"
)

// DefaultBackboneChannels is the processing width of the Backbone multiplexer.
const DefaultBackboneChannels = 256

// Backbone is a multiplexer that ignores its conditioning input, except for the target shape, and
// instead decodes the features cached by a backbone.CachedAdapter during the same forward pass.
//
// The cached features are expected at 1/4 of the resolution of the conditioning feature map: they are
// up-sampled twice.
type Backbone struct {
	adapter     *backbone.CachedAdapter
	numBranches int
	channels    int
}

var _ switching.Multiplexer = (*Backbone)(nil)

// NewBackbone creates a Backbone multiplexer reading the first feature map cached in adapter.
// The processing width is channels (use DefaultBackboneChannels if unsure), halved at each up-sampling.
func NewBackbone(adapter *backbone.CachedAdapter, numBranches, channels int) (*Backbone, error) {
	if adapter == nil {
		return nil, errors.New("backbone multiplexer requires an adapter")
	}
	if numBranches < 1 {
		return nil, errors.Errorf("backbone multiplexer requires numBranches >= 1, got %d", numBranches)
	}
	if channels <= 0 || !blocks.CheckGroups(channels/4, blocks.DefaultGroups) {
		return nil, errors.Errorf("backbone multiplexer channels=%d must be a positive multiple of %d",
			channels, 4*blocks.DefaultGroups)
	}
	return &Backbone{adapter: adapter, numBranches: numBranches, channels: channels}, nil
}

// NumBranches implements switching.Multiplexer.
func (m *Backbone) NumBranches() int { return m.numBranches }

// Logits implements switching.Multiplexer.
//
// It panics if the adapter hasn't been invoked for the graph being built.
func (m *Backbone) Logits(ctx *context.Context, conditioning *Node) *Node {
	features := m.adapter.ForwardResult()[0]
	if features.Graph() != conditioning.Graph() {
		exceptions.Panicf("backbone multiplexer: cached features belong to a different graph, the backbone " +
			"must be invoked in the same forward pass")
	}
	x := blocks.ConvGnSilu(ctx.In("proc_0"), features, m.channels).Done()
	x = blocks.ConvGnSilu(ctx.In("proc_1"), x, m.channels).Bias(false).Done()
	for ii, filters := range []int{m.channels / 2, m.channels / 4} {
		upCtx := ctx.Inf("up_%d", ii)
		x = blocks.UpSample2x(x)
		x = blocks.ConvGnSilu(upCtx.In("conv"), x, filters).Norm(false).Activation(false).Bias(false).Done()
		x = blocks.ConvGnSilu(upCtx.In("process"), x, filters).Bias(false).Done()
	}
	x = blocks.ConvGnSilu(ctx.In("final"), x, m.numBranches).Norm(false).Activation(false).Bias(false).Done()

	want, got := conditioning.Shape().Dimensions, x.Shape().Dimensions
	if got[0] != want[0] || got[2] != want[2] || got[3] != want[3] {
		exceptions.Panicf("backbone multiplexer logits %s don't match the conditioning feature map %s",
			x.Shape(), conditioning.Shape())
	}
	return x
}
