package generator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/switchedsr/switching"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// smallContext returns the hyperparameters of a tiny generator, quick to build and run on CPU.
func smallContext(generatorName string, upsampleFactor int) *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		"generator":                     generatorName,
		"upsample_factor":               upsampleFactor,
		"switch_depth":                  2,
		"switch_filters":                8,
		"switch_reductions":             1,
		"switch_processing_layers":      1,
		"trans_counts":                  4,
		"trans_layers":                  2,
		"transformation_filters":        8,
		"backbone_channels":             32,
		"switch_final_temperature_step": 100,
		"rng_seed":                      42,
	})
	return ctx
}

func randomImages(batchSize, size int) *tensors.Tensor {
	images := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, ImageChannels, size, size))
	tensors.MutableFlatData[float32](images, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32(ii%17) / 17
		}
	})
	return images
}

func TestUpsampleFactor(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, factor := range []int{1, 3, 8} {
		_, err := New(backend, smallContext(SequentialName, factor))
		require.Errorf(t, err, "upsample_factor=%d should fail", factor)
		fmt.Printf("\tExpected error: %v\n", err)
	}
	_, err := New(backend, smallContext("unknown", 2))
	require.Error(t, err)
}

func TestGeneratorShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	numSwitches := map[string]int{SequentialName: 2, InterleavedName: 3, BackboneName: 1}
	for _, name := range []string{SequentialName, InterleavedName, BackboneName} {
		for _, factor := range []int{2, 4} {
			t.Run(fmt.Sprintf("%s-x%d", name, factor), func(t *testing.T) {
				gen, err := New(backend, smallContext(name, factor))
				require.NoError(t, err)
				output, err := gen.Forward(switching.Training, randomImages(2, 8))
				require.NoError(t, err)
				assert.NoError(t, output.Shape().CheckDims(2, ImageChannels, 8*factor, 8*factor))

				history := gen.AttentionHistory()
				require.Len(t, history, numSwitches[name])
				for ii, attention := range history {
					numBranches := gen.Assembly().Switches()[ii].NumBranches()
					assert.NoError(t, attention.Shape().CheckDims(2, numBranches, 8, 8))
				}
				fmt.Printf("\t%s x%d: output %s, #params=%d\n", name, factor, output.Shape(), gen.Context().NumParameters())
			})
		}
	}
}

func TestInterleavedHalfSwitch(t *testing.T) {
	gen, err := New(graphtest.BuildTestBackend(), smallContext(InterleavedName, 2))
	require.NoError(t, err)
	var branches []int
	for _, sc := range gen.Assembly().Switches() {
		branches = append(branches, sc.NumBranches())
	}
	assert.Equal(t, []int{4, 2, 4}, branches)
}

func TestEvaluationRequiresUnitTemperature(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	gen, err := New(backend, smallContext(SequentialName, 2))
	require.NoError(t, err)
	assert.Equal(t, 20.0, gen.Temperature())
	images := randomImages(1, 8)
	require.Panics(t, func() { _, _ = gen.Forward(switching.Inference, images) })

	gen.SetTemperature(1)
	output, err := gen.Forward(switching.Inference, images)
	require.NoError(t, err)
	assert.NoError(t, output.Shape().CheckDims(1, ImageChannels, 16, 16))

	// Deterministic in inference.
	again, err := gen.Forward(switching.Inference, images)
	require.NoError(t, err)
	assert.Equal(t, tensors.CopyFlatData[float32](output), tensors.CopyFlatData[float32](again))
}

func TestUpdateForStep(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	gen, err := New(backend, smallContext(BackboneName, 2))
	require.NoError(t, err)
	dir := t.TempDir()
	gen.Controller().Dir(dir)

	// Without attention history the temperature is still applied, nothing is exported.
	assert.Equal(t, 21.0, gen.UpdateForStep(0))
	assert.Equal(t, 21.0, gen.Temperature())
	_, err = os.Stat(filepath.Join(dir, "attention_maps"))
	assert.True(t, os.IsNotExist(err))

	_, err = gen.Forward(switching.Training, randomImages(2, 8))
	require.NoError(t, err)
	assert.Equal(t, 11.0, gen.UpdateForStep(50))
	for example := range 2 {
		path := filepath.Join(dir, "attention_maps", "a0", fmt.Sprintf("attention_map_50_%d.png", example))
		_, err = os.Stat(path)
		assert.NoErrorf(t, err, "attention map %s not exported", path)
	}

	values := gen.DebugValues(50)
	assert.Equal(t, 11.0, values["switch_temperature"])
	assert.Contains(t, values, "switch_0_specificity")
	assert.Contains(t, values, "switch_0_histogram")
	histogram := values["switch_0_histogram"].([]int)
	require.Len(t, histogram, 4)
	var total int
	for _, count := range histogram {
		total += count
	}
	assert.Equal(t, 2*8*8*2, total) // Every location counts its top-2 branches.

	// Cooldown finished: evaluation is allowed.
	assert.Equal(t, 1.0, gen.UpdateForStep(100))
	_, err = gen.Forward(switching.Inference, randomImages(1, 8))
	require.NoError(t, err)
}

func TestTemperatureVariableShared(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext(SequentialName, 2)
	gen, err := New(backend, ctx)
	require.NoError(t, err)
	_, err = gen.Forward(switching.Training, randomImages(1, 8))
	require.NoError(t, err)
	gen.SetTemperature(3)
	for ii := range 2 {
		v := ctx.InspectVariable(fmt.Sprintf("/switch_%d/switch", ii), switching.TemperatureVariable)
		require.NotNil(t, v)
		assert.Equal(t, float32(3), tensors.ToScalar[float32](v.Value()))
		assert.False(t, v.Trainable)
	}
}

func TestModelGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext(InterleavedName, 4)
	gen, err := New(backend, ctx)
	require.NoError(t, err)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
		ctx.SetTraining(images.Graph(), true)
		return gen.ModelGraph(ctx, nil, []*Node{images})
	})
	outputs := exec.Call(randomImages(1, 8))
	require.Len(t, outputs, 4)
	assert.NoError(t, outputs[0].Shape().CheckDims(1, ImageChannels, 32, 32))
	assert.NoError(t, outputs[2].Shape().CheckDims(1, 2, 8, 8))
}

func TestModelDType(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext(SequentialName, 2)
	ctx.SetParam("dtype", "float64")
	gen, err := New(backend, ctx)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float64, gen.Config().DType)

	output, err := gen.Forward(switching.Training, randomImages(1, 8))
	require.NoError(t, err)
	// Outputs come back in the dtype of the input images.
	assert.Equal(t, dtypes.Float32, output.DType())
	for _, attention := range gen.AttentionHistory() {
		assert.Equal(t, dtypes.Float32, attention.DType())
	}

	// The model itself runs in float64.
	var numVars int
	gen.Context().EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			assert.Equalf(t, dtypes.Float64, v.Shape().DType, "variable %s", v.ParameterName())
			numVars++
		}
	})
	assert.Greater(t, numVars, 0)
}

func TestBranchNormAndScale(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext(SequentialName, 2)
	ctx.SetParams(map[string]any{
		"trans_norm":       true,
		"trans_scale_init": 0.5,
	})
	gen, err := New(backend, ctx)
	require.NoError(t, err)
	_, err = gen.Forward(switching.Training, randomImages(2, 8))
	require.NoError(t, err)

	var numBatchNorms, numScales int
	gen.Context().EnumerateVariables(func(v *context.Variable) {
		scope := v.Scope()
		if strings.Contains(scope, "/branches/") && strings.Contains(scope, "/batch_norm") {
			numBatchNorms++
		}
		if strings.Contains(scope, "/branches/") && v.Name() == "scale" && !strings.Contains(scope, "conv") {
			numScales++
			assert.InDelta(t, 0.5, tensors.ToScalar[float32](v.Value()), 1e-6)
		}
	})
	assert.Greater(t, numBatchNorms, 0, "branches should be batch normalized")
	// 2 switches with 4 branches each.
	assert.Equal(t, 8, numScales)

	gen.SetTemperature(1)
	output, err := gen.Forward(switching.Inference, randomImages(2, 8))
	require.NoError(t, err)
	assert.NoError(t, output.Shape().CheckDims(2, ImageChannels, 16, 16))

	ctx = smallContext(SequentialName, 2)
	ctx.SetParam("trans_scale_init", 0.0)
	_, err = New(backend, ctx)
	require.Error(t, err)
}
