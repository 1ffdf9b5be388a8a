package generator

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/switchedsr/backbone"
	"github.com/gomlx/switchedsr/blocks"
	"github.com/gomlx/switchedsr/multiplexer"
	"github.com/gomlx/switchedsr/switching"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// backboneBranchDepth is the number of convolutions of each branch of the backbone conditioned switch.
	backboneBranchDepth = 4

	// backboneSwitchScaleInit is the initial scale of the blended output of the backbone conditioned switch.
	backboneSwitchScaleInit = 0.1
)

// BackboneConditioned is a single switch whose multiplexer decodes the features that a frozen backbone
// extracts from the 2x up-sampled input images.
type BackboneConditioned struct {
	cfg     *Config
	adapter *backbone.CachedAdapter
	sc      *switching.SwitchComputer
}

var _ Assembly = (*BackboneConditioned)(nil)

// NewBackboneConditioned creates the backbone conditioned assembly.
func NewBackboneConditioned(cfg *Config) (*BackboneConditioned, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	channels := cfg.BackboneChannels
	if channels%4 != 0 {
		return nil, errors.Errorf("backbone_channels=%d must be divisible by 4", channels)
	}
	adapter := backbone.NewCachedAdapter(backbone.NewConvPyramid(channels/4, channels/2, channels))
	mux, err := multiplexer.NewBackbone(adapter, cfg.TransCounts, channels)
	if err != nil {
		return nil, err
	}
	filters := cfg.TransformationFilters
	sc, err := switching.NewSwitchComputer(switching.ComputerConfig{
		Filters:     filters,
		NumBranches: cfg.TransCounts,
		Transform:   multiConvBranches(cfg, 3, backboneBranchDepth, 1.0),
		PreTransform: switching.TransformFunc(func(ctx *context.Context, x *Node) *Node {
			return blocks.ConvBnLelu(ctx, x, filters).Norm(false).Activation(false).Bias(false).Done()
		}),
		Multiplexer:        mux,
		InitialTemperature: cfg.InitialTemperature(),
		AttentionNorm:      cfg.AttentionNorm,
		UsageMomentum:      cfg.AttentionNormMomentum,
		AddNoise:           true,
		BranchNoise:        cfg.BranchNoise,
		SwitchScaleInit:    backboneSwitchScaleInit,
	})
	if err != nil {
		return nil, err
	}
	return &BackboneConditioned{cfg: cfg, adapter: adapter, sc: sc}, nil
}

// Name implements Assembly.
func (b *BackboneConditioned) Name() string { return BackboneName }

// Switches implements Assembly.
func (b *BackboneConditioned) Switches() []*switching.SwitchComputer {
	return []*switching.SwitchComputer{b.sc}
}

// Adapter returns the cached backbone adapter, whose result is valid for the last graph built.
func (b *BackboneConditioned) Adapter() *backbone.CachedAdapter { return b.adapter }

// BuildGraph implements Assembly.
func (b *BackboneConditioned) BuildGraph(ctx *context.Context, images *Node, mode switching.Mode) (output *Node, attentions []*Node) {
	klog.V(1).Infof("building %s generator (mode=%s) for images %s", b.Name(), mode, images.Shape())
	b.adapter.Invoke(ctx.In("backbone"), blocks.UpSample2x(images))
	x := initialConv(ctx, images, b.cfg.TransformationFilters)
	x, attention := b.sc.Call(ctx.In("switch_0"), x).Mode(mode).Done()
	output = upSampleTail(ctx, x, b.cfg.UpsampleFactor)
	return output, []*Node{attention}
}
