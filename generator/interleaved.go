package generator

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/switchedsr/blocks"
	"github.com/gomlx/switchedsr/switching"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Interleaved alternates residual-in-residual dense blocks with three switches. The middle switch has half
// the branches of the others.
type Interleaved struct {
	cfg      *Config
	switches []*switching.SwitchComputer
}

var _ Assembly = (*Interleaved)(nil)

// NewInterleaved creates the interleaved assembly.
func NewInterleaved(cfg *Config) (*Interleaved, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TransCounts < 2 {
		return nil, errors.Errorf("interleaved generator requires trans_counts >= 2 (the middle switch has half of them), got %d",
			cfg.TransCounts)
	}
	a := &Interleaved{cfg: cfg}
	for ii, numBranches := range []int{cfg.TransCounts, cfg.TransCounts / 2, cfg.TransCounts} {
		mux, err := newConvBasis(cfg, numBranches)
		if err != nil {
			return nil, errors.WithMessagef(err, "switch #%d multiplexer", ii)
		}
		sc, err := switching.NewSwitchComputer(switching.ComputerConfig{
			Filters:            cfg.TransformationFilters,
			NumBranches:        numBranches,
			Transform:          multiConvBranches(cfg, cfg.TransKernelSize, cfg.TransLayers, branchInitScale),
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
		a.switches = append(a.switches, sc)
	}
	return a, nil
}

// Name implements Assembly.
func (a *Interleaved) Name() string { return InterleavedName }

// Switches implements Assembly.
func (a *Interleaved) Switches() []*switching.SwitchComputer { return a.switches }

// BuildGraph implements Assembly.
func (a *Interleaved) BuildGraph(ctx *context.Context, images *Node, mode switching.Mode) (output *Node, attentions []*Node) {
	klog.V(1).Infof("building %s generator (mode=%s) for images %s", a.Name(), mode, images.Shape())
	x := initialConv(ctx, images, a.cfg.TransformationFilters)
	for ii, sc := range a.switches {
		x = blocks.RRDB(ctx.Inf("rrdb_%d", ii), x)
		var attention *Node
		x, attention = sc.Call(ctx.Inf("switch_%d", ii), x).Mode(mode).Done()
		attentions = append(attentions, attention)
	}
	x = blocks.RRDB(ctx.Inf("rrdb_%d", len(a.switches)), x)
	output = upSampleTail(ctx, x, a.cfg.UpsampleFactor)
	return
}
