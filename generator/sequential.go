package generator

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/switchedsr/blocks"
	"github.com/gomlx/switchedsr/switching"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// branchInitScale scales the initial weights of the branches and pre-transforms, so the switches start close
// to the identity.
const branchInitScale = 0.1

// Sequential is a chain of cfg.SwitchDepth switches, each with a pre-transform, MultiConv branches and its
// own ConvBasis multiplexer.
type Sequential struct {
	cfg      *Config
	switches []*switching.SwitchComputer
}

var _ Assembly = (*Sequential)(nil)

// NewSequential creates the sequential assembly.
func NewSequential(cfg *Config) (*Sequential, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SwitchDepth < 1 {
		return nil, errors.Errorf("sequential generator requires switch_depth >= 1, got %d", cfg.SwitchDepth)
	}
	filters := cfg.TransformationFilters
	preTransform := switching.TransformFunc(func(ctx *context.Context, x *Node) *Node {
		return blocks.ConvBnLelu(ctx, x, filters).Norm(false).Bias(false).InitScale(branchInitScale).Done()
	})
	s := &Sequential{cfg: cfg}
	for ii := range cfg.SwitchDepth {
		mux, err := newConvBasis(cfg, cfg.TransCounts)
		if err != nil {
			return nil, errors.WithMessagef(err, "switch #%d multiplexer", ii)
		}
		sc, err := switching.NewSwitchComputer(switching.ComputerConfig{
			Filters:            filters,
			NumBranches:        cfg.TransCounts,
			Transform:          multiConvBranches(cfg, cfg.TransKernelSize, cfg.TransLayers, branchInitScale),
			PreTransform:       preTransform,
			Multiplexer:        mux,
			InitialTemperature: cfg.InitialTemperature(),
			AttentionNorm:      cfg.AttentionNorm,
			UsageMomentum:      cfg.AttentionNormMomentum,
			AddNoise:           cfg.AddScalableNoise,
			BranchNoise:        cfg.BranchNoise,
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "switch #%d", ii)
		}
		s.switches = append(s.switches, sc)
	}
	return s, nil
}

// Name implements Assembly.
func (s *Sequential) Name() string { return SequentialName }

// Switches implements Assembly.
func (s *Sequential) Switches() []*switching.SwitchComputer { return s.switches }

// BuildGraph implements Assembly.
func (s *Sequential) BuildGraph(ctx *context.Context, images *Node, mode switching.Mode) (output *Node, attentions []*Node) {
	klog.V(1).Infof("building %s generator (%d switches, mode=%s) for images %s", s.Name(), len(s.switches), mode, images.Shape())
	x := initialConv(ctx, images, s.cfg.TransformationFilters)
	for ii, sc := range s.switches {
		var attention *Node
		x, attention = sc.Call(ctx.Inf("switch_%d", ii), x).Mode(mode).Done()
		attentions = append(attentions, attention)
	}
	output = upSampleTail(ctx, x, s.cfg.UpsampleFactor)
	return
}
