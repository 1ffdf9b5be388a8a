package generator

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/switchedsr/annealing"
	"github.com/pkg/errors"
)

// Names of the supported generator assemblies, the values of the "generator" hyperparameter.
const (
	SequentialName  = "sequential"
	InterleavedName = "interleaved"
	BackboneName    = "backbone"
)

// CreateDefaultContext sets the context with default hyperparameters of the switched generators.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// generator assembly: "sequential", "interleaved" or "backbone".
		"generator": SequentialName,

		// dtype to use for the model.
		"dtype": "float32",

		// upsample_factor of the output image relative to the input. Only 2 and 4 are supported.
		"upsample_factor": 4,

		// Switches:
		"switch_depth":             4,  // Number of sequential switches, only used by the "sequential" generator.
		"switch_filters":           64, // Base number of filters of the ConvBasis multiplexer. Must be divisible by 8.
		"switch_reductions":        3,  // Number of halving blocks in the multiplexer. Input sizes must be divisible by 2^switch_reductions.
		"switch_processing_layers": 2,  // Number of convolutions at the lowest resolution of the multiplexer.
		"multiplexer_group_norm":   true,

		// Transformation branches:
		"trans_counts":           8,     // Number of branches per switch.
		"trans_kernel_size":      3,     // Kernel size of the branch convolutions.
		"trans_layers":           3,     // Number of convolutions per branch. At least 2.
		"transformation_filters": 64,    // Channels of the feature maps flowing through the switches.
		"add_scalable_noise":     false, // Adds noise with a learned scale to the input of the switches during training.
		"trans_branch_noise":     false, // Adds noise with a learned scale to the input of each branch during training.
		"trans_norm":             false, // Batch normalization in the hidden convolutions of each branch.
		"trans_scale_init":       1.0,   // Initial value of the learned output scale of each branch.

		// backbone_channels of the deepest level of the frozen backbone, only used by the "backbone" generator.
		"backbone_channels": 256,

		// attention_norm enables the branch usage correction of the switches.
		"attention_norm": true,
		// attention_norm_momentum of the branch usage moving average. If 0, it defaults to 1-1/(16*trans_counts).
		"attention_norm_momentum": 0.0,

		// Temperature schedule: linear cooldown from 1+switch_temperature_init down to 1 at
		// switch_final_temperature_step, then, if heightened_final_step > switch_final_temperature_step, down to
		// heightened_temp_min at heightened_final_step.
		"switch_temperature_init":       20.0,
		"switch_final_temperature_step": 50_000,
		"heightened_temp_min":           1.0,
		"heightened_final_step":         0,

		// attention_export_every steps the attention maps of each switch are saved as PNG files. Set to <= 0 to disable.
		"attention_export_every": annealing.DefaultExportEvery,

		// rng_seed for the noise of the switches. If 0, a random seed is used.
		"rng_seed": 0,
	})
	return ctx
}

// Config holds the hyperparameters of the generators, read from the context.
type Config struct {
	Generator      string
	DType          dtypes.DType
	UpsampleFactor int

	SwitchDepth, SwitchFilters, SwitchReductions, SwitchProcessingLayers int
	MultiplexerGroupNorm                                                 bool

	TransCounts, TransKernelSize, TransLayers, TransformationFilters int
	AddScalableNoise, BranchNoise, TransNorm                         bool
	TransScaleInit                                                   float64
	BackboneChannels                                                 int

	AttentionNorm         bool
	AttentionNormMomentum float64

	Schedule             annealing.Schedule
	AttentionExportEvery int
}

// NewConfig reads the hyperparameters from ctx and validates them.
func NewConfig(ctx *context.Context) (*Config, error) {
	dtype, err := dtypes.DTypeString(context.GetParamOr(ctx, "dtype", "float32"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid \"dtype\" hyperparameter")
	}
	cfg := &Config{
		Generator:              context.GetParamOr(ctx, "generator", SequentialName),
		DType:                  dtype,
		UpsampleFactor:         context.GetParamOr(ctx, "upsample_factor", 4),
		SwitchDepth:            context.GetParamOr(ctx, "switch_depth", 4),
		SwitchFilters:          context.GetParamOr(ctx, "switch_filters", 64),
		SwitchReductions:       context.GetParamOr(ctx, "switch_reductions", 3),
		SwitchProcessingLayers: context.GetParamOr(ctx, "switch_processing_layers", 2),
		MultiplexerGroupNorm:   context.GetParamOr(ctx, "multiplexer_group_norm", true),
		TransCounts:            context.GetParamOr(ctx, "trans_counts", 8),
		TransKernelSize:        context.GetParamOr(ctx, "trans_kernel_size", 3),
		TransLayers:            context.GetParamOr(ctx, "trans_layers", 3),
		TransformationFilters:  context.GetParamOr(ctx, "transformation_filters", 64),
		AddScalableNoise:       context.GetParamOr(ctx, "add_scalable_noise", false),
		BranchNoise:            context.GetParamOr(ctx, "trans_branch_noise", false),
		TransNorm:              context.GetParamOr(ctx, "trans_norm", false),
		TransScaleInit:         context.GetParamOr(ctx, "trans_scale_init", 1.0),
		BackboneChannels:       context.GetParamOr(ctx, "backbone_channels", 256),
		AttentionNorm:          context.GetParamOr(ctx, "attention_norm", true),
		AttentionNormMomentum:  context.GetParamOr(ctx, "attention_norm_momentum", 0.0),
		Schedule: annealing.Schedule{
			InitTemperature:      context.GetParamOr(ctx, "switch_temperature_init", 20.0),
			FinalTemperatureStep: context.GetParamOr(ctx, "switch_final_temperature_step", 50_000),
			HeightenedTempMin:    context.GetParamOr(ctx, "heightened_temp_min", 1.0),
			HeightenedFinalStep:  context.GetParamOr(ctx, "heightened_final_step", 0),
		},
		AttentionExportEvery: context.GetParamOr(ctx, "attention_export_every", annealing.DefaultExportEvery),
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the hyperparameters shared by all assemblies.
func (cfg *Config) Validate() error {
	if cfg.UpsampleFactor != 2 && cfg.UpsampleFactor != 4 {
		return errors.Errorf("upsample_factor=%d not supported, only 2 or 4", cfg.UpsampleFactor)
	}
	if cfg.TransformationFilters <= 0 {
		return errors.Errorf("transformation_filters=%d must be > 0", cfg.TransformationFilters)
	}
	if cfg.TransCounts < 1 {
		return errors.Errorf("trans_counts=%d must be >= 1", cfg.TransCounts)
	}
	if cfg.TransLayers < 2 {
		return errors.Errorf("trans_layers=%d must be >= 2", cfg.TransLayers)
	}
	if cfg.TransScaleInit <= 0 {
		return errors.Errorf("trans_scale_init=%g must be > 0", cfg.TransScaleInit)
	}
	if cfg.TransKernelSize < 1 {
		return errors.Errorf("trans_kernel_size=%d must be >= 1", cfg.TransKernelSize)
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return errors.WithMessage(err, "temperature schedule hyperparameters")
	}
	return nil
}

// InitialTemperature of the switches, before the first UpdateForStep.
func (cfg *Config) InitialTemperature() float64 {
	if cfg.Schedule.InitTemperature > 0 {
		return cfg.Schedule.InitTemperature
	}
	return 1
}
