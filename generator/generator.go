package generator

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/switchedsr/annealing"
	"github.com/gomlx/switchedsr/switching"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Generator runs an Assembly on the host: it keeps one compiled computation per Mode, the attention history
// of the last forward pass and the annealing of the switch temperatures.
//
// Calls are serialized: it is safe to use from multiple goroutines, but there is no parallelism.
type Generator struct {
	backend    backends.Backend
	ctx        *context.Context
	cfg        *Config
	assembly   Assembly
	controller *annealing.Controller

	mu      sync.Mutex
	execs   map[switching.Mode]*context.Exec
	history []*tensors.Tensor
}

// New creates the Generator configured by the hyperparameters in ctx (see CreateDefaultContext).
// The model variables are created in ctx on the first Forward.
func New(backend backends.Backend, ctx *context.Context) (*Generator, error) {
	cfg, err := NewConfig(ctx)
	if err != nil {
		return nil, err
	}
	assembly, err := NewAssembly(cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating %q generator", cfg.Generator)
	}
	targets := make([]annealing.Target, 0, len(assembly.Switches()))
	for _, sc := range assembly.Switches() {
		targets = append(targets, sc)
	}
	controller, err := annealing.NewController(cfg.Schedule, targets...)
	if err != nil {
		return nil, err
	}
	controller.ExportEvery(cfg.AttentionExportEvery)
	if seed := context.GetParamOr(ctx, "rng_seed", 0); seed != 0 {
		ctx.RngStateFromSeed(int64(seed))
	}
	klog.V(1).Infof("generator %q created with %d switches", assembly.Name(), len(assembly.Switches()))
	return &Generator{
		backend:    backend,
		ctx:        ctx,
		cfg:        cfg,
		assembly:   assembly,
		controller: controller,
		execs:      make(map[switching.Mode]*context.Exec),
	}, nil
}

// Config returns the hyperparameters of the generator.
func (gen *Generator) Config() *Config { return gen.cfg }

// Assembly returns the generator architecture.
func (gen *Generator) Assembly() Assembly { return gen.assembly }

// Context returns the context holding the generator variables.
func (gen *Generator) Context() *context.Context { return gen.ctx }

// Controller returns the annealing controller, e.g. to configure the export directory.
func (gen *Generator) Controller() *annealing.Controller { return gen.controller }

// exec returns the computation for mode, creating it if needed. It must be called with gen.mu locked.
func (gen *Generator) exec(mode switching.Mode) *context.Exec {
	if e, found := gen.execs[mode]; found {
		return e
	}
	e := context.NewExec(gen.backend, gen.ctx.Checked(false), func(ctx *context.Context, images *Node) []*Node {
		ctx.SetTraining(images.Graph(), mode == switching.Training)
		return gen.buildGraph(ctx, images, mode)
	})
	gen.execs[mode] = e
	return e
}

// Forward up-samples images, shaped `[batch, 3, height, width]`, and keeps the routing distribution of each
// switch as the attention history.
//
// Using the Inference mode while the temperature is not 1 is a bug of the caller, and it panics.
func (gen *Generator) Forward(mode switching.Mode, images *tensors.Tensor) (*tensors.Tensor, error) {
	gen.mu.Lock()
	defer gen.mu.Unlock()
	for _, sc := range gen.assembly.Switches() {
		sc.Switch().CheckMode(mode)
	}
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		outputs = gen.exec(mode).Call(images)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "%s generator forward pass (mode=%s) on images %s",
			gen.assembly.Name(), mode, images.Shape())
	}
	gen.history = outputs[1:]
	return outputs[0], nil
}

// AttentionHistory returns the routing distributions of the last Forward, one per switch.
func (gen *Generator) AttentionHistory() []*tensors.Tensor {
	gen.mu.Lock()
	defer gen.mu.Unlock()
	return slices.Clone(gen.history)
}

// SetTemperature of every switch.
func (gen *Generator) SetTemperature(t float64) {
	gen.mu.Lock()
	defer gen.mu.Unlock()
	for _, sc := range gen.assembly.Switches() {
		sc.SetTemperature(t)
	}
}

// Temperature of the first switch: all switches share the same temperature.
func (gen *Generator) Temperature() float64 {
	return gen.assembly.Switches()[0].Temperature()
}

// UpdateForStep applies the scheduled temperature of step to every switch, exporting the attention history
// periodically. It returns the temperature.
func (gen *Generator) UpdateForStep(step int) float64 {
	gen.mu.Lock()
	defer gen.mu.Unlock()
	return gen.controller.UpdateForStep(step, gen.history)
}

// DebugValues returns the temperature and the specificity diagnostics of the attention history.
func (gen *Generator) DebugValues(step int) map[string]any {
	gen.mu.Lock()
	defer gen.mu.Unlock()
	return gen.controller.DebugValues(step, gen.history)
}

// ModelGraph builds the generator for a training loop: it follows the `train.ModelFn` signature, with the
// images as the first input, and the mode taken from the context. It returns the up-sampled images followed by
// the attention of each switch.
func (gen *Generator) ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	images := inputs[0]
	mode := switching.ModeFromContext(ctx, images.Graph())
	return gen.buildGraph(ctx, images, mode)
}

// buildGraph runs the assembly in the configured dtype. The output image and the attentions are converted
// back to the dtype of images.
func (gen *Generator) buildGraph(ctx *context.Context, images *Node, mode switching.Mode) []*Node {
	inputDType := images.DType()
	images = ConvertDType(images, gen.cfg.DType)
	output, attentions := gen.assembly.BuildGraph(ctx, images, mode)
	outputs := make([]*Node, 0, len(attentions)+1)
	outputs = append(outputs, ConvertDType(output, inputDType))
	for _, attention := range attentions {
		outputs = append(outputs, ConvertDType(attention, inputDType))
	}
	return outputs
}
