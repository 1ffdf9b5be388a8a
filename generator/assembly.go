// Package generator assembles switch computers into complete super-resolution generators, and runs them.
//
// Three assemblies are available, selected by the "generator" hyperparameter (see CreateDefaultContext):
//
//   - "sequential": a chain of switches, each with its own ConvBasis multiplexer.
//   - "interleaved": three switches interleaved with residual-in-residual dense blocks.
//   - "backbone": a single switch whose routing is conditioned on the features of a frozen backbone.
//
// All of them work on channels-first images, shaped `[batch, 3, height, width]`, and up-sample them by a
// factor of 2 or 4.
package generator

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/switchedsr/blocks"
	"github.com/gomlx/switchedsr/multiplexer"
	"github.com/gomlx/switchedsr/switching"
	"github.com/pkg/errors"
)

// ImageChannels is the number of channels of the input and output images.
const ImageChannels = 3

// Assembly is a complete generator architecture.
type Assembly interface {
	// Name of the assembly, the value of the "generator" hyperparameter.
	Name() string

	// Switches returns the switch computers, in the order their attentions are returned by BuildGraph.
	Switches() []*switching.SwitchComputer

	// BuildGraph builds the generator on images shaped `[batch, 3, height, width]` and returns the up-sampled
	// images and the routing distribution of each switch.
	BuildGraph(ctx *context.Context, images *Node, mode switching.Mode) (output *Node, attentions []*Node)
}

// NewAssembly creates the assembly selected by cfg.Generator.
func NewAssembly(cfg *Config) (Assembly, error) {
	switch cfg.Generator {
	case SequentialName:
		return NewSequential(cfg)
	case InterleavedName:
		return NewInterleaved(cfg)
	case BackboneName:
		return NewBackboneConditioned(cfg)
	default:
		return nil, errors.Errorf("unknown generator %q, valid values are %q, %q or %q",
			cfg.Generator, SequentialName, InterleavedName, BackboneName)
	}
}

// newConvBasis creates the ConvBasis multiplexer for a switch with numBranches.
func newConvBasis(cfg *Config, numBranches int) (*multiplexer.ConvBasis, error) {
	return multiplexer.NewConvBasis(multiplexer.ConvBasisConfig{
		BaseFilters:     cfg.SwitchFilters,
		Reductions:      cfg.SwitchReductions,
		ProcessingDepth: cfg.SwitchProcessingLayers,
		NumBranches:     numBranches,
		UseGroupNorm:    cfg.MultiplexerGroupNorm,
	})
}

// multiConvBranches returns the factory of the MultiConv branches used by every assembly. The hidden
// convolutions are batch normalized if trans_norm is set.
func multiConvBranches(cfg *Config, kernelSize, depth int, initScale float64) switching.TransformFactory {
	filters := cfg.TransformationFilters
	return func(_ int) switching.FeatureTransform {
		return switching.TransformFunc(func(ctx *context.Context, x *Node) *Node {
			return blocks.MultiConv(ctx, x, filters*3/2, filters).
				KernelSize(kernelSize).
				Depth(depth).
				InitScale(initScale).
				ScaleInit(cfg.TransScaleInit).
				Norm(cfg.TransNorm).
				Done()
		})
	}
}

// initialConv maps the images to the transformation filters.
func initialConv(ctx *context.Context, images *Node, filters int) *Node {
	images.AssertRank(4)
	return blocks.ConvBnLelu(ctx.In("initial_conv"), images, filters).Norm(false).Activation(false).Done()
}

// upSampleTail up-samples the feature map x by factor (2 or 4) and maps it back to an image.
func upSampleTail(ctx *context.Context, x *Node, factor int) *Node {
	filters := x.Shape().Dimensions[blocks.ChannelsAxis]
	x = blocks.UpSample2x(x)
	x = blocks.ConvBnLelu(ctx.In("upconv1"), x, filters).Norm(false).Done()
	if factor == 4 {
		x = blocks.UpSample2x(x)
	}
	x = blocks.ConvBnLelu(ctx.In("upconv2"), x, filters).Norm(false).Done()
	x = blocks.ConvBnLelu(ctx.In("hr_conv"), x, filters).Norm(false).Done()
	return blocks.ConvBnLelu(ctx.In("final_conv"), x, ImageChannels).Norm(false).Activation(false).Done()
}
