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

// srgen builds a switched super-resolution generator and drives it the way a training loop would: for each
// step it runs a forward pass on a batch of synthetic images, anneals the switch temperatures and reports
// the routing diagnostics. Attention maps are exported periodically to a new run directory.
//
// Optionally, at the end, it up-scales an image with the generator in inference mode.
//
// Hyperparameters are set with -set, e.g.:
//
//	$ srgen -steps=200 -set="generator=interleaved;trans_counts=4;switch_final_temperature_step=100"
package main

import (
	"flag"
	"fmt"
	"image"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	timages "github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/switchedsr/generator"
	"github.com/gomlx/switchedsr/internal/progress"
	"github.com/gomlx/switchedsr/switching"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagSteps  = flag.Int("steps", 200, "Number of steps to drive the generator for.")
	flagImage  = flag.String("image", "", "Optional image to up-scale with the generator at the end.")
	flagOutput = flag.String("output", "", "Where to save the up-scaled -image. Defaults to \"upscaled.png\" in the run directory.")
	flagDir    = flag.String("dir", "~/tmp/srgen", "Base directory: each run creates a sub-directory for its attention maps.")
	flagBatch  = flag.Int("batch", 4, "Batch size of the synthetic images.")
	flagSize   = flag.Int("size", 32, "Height and width of the synthetic low resolution images.")
)

func main() {
	ctx := generator.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	_ = must.M1(commandline.ParseContextSettings(ctx, *settings))
	err := exceptions.TryCatch[error](func() { must.M(run(ctx)) })
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run(ctx *context.Context) error {
	backend := backends.MustNew()
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	fmt.Println(commandline.SprintContextSettings(ctx))

	gen, err := generator.New(backend, ctx)
	if err != nil {
		return err
	}
	runDir := filepath.Join(data.ReplaceTildeInDir(*flagDir), uuid.NewString())
	gen.Controller().Dir(runDir)
	fmt.Printf("Run directory: %s\n", runDir)

	rng := rand.New(rand.NewSource(int64(context.GetParamOr(ctx, "rng_seed", 0))))
	bar := progress.New(fmt.Sprintf("Generator %q", gen.Assembly().Name()), *flagSteps)
	for step := range *flagSteps {
		images := syntheticImages(rng, *flagBatch, *flagSize)
		if _, err = gen.Forward(switching.Training, images); err != nil {
			bar.Done()
			return errors.WithMessagef(err, "step %d", step)
		}
		gen.UpdateForStep(step)
		bar.Step(step+1, formatDebugValues(gen.DebugValues(step)))
	}
	bar.Done()
	fmt.Printf("Model: %d parameters, %s\n", ctx.NumParameters(), humanize.Bytes(uint64(ctx.Memory())))

	if *flagImage != "" {
		output := *flagOutput
		if output == "" {
			output = filepath.Join(runDir, "upscaled.png")
		}
		if err = upscale(backend, gen, *flagImage, output); err != nil {
			return err
		}
		fmt.Printf("Up-scaled image saved to %s\n", output)
	}
	return nil
}

// syntheticImages returns a batch of smooth random gradients with some noise, shaped [batch, 3, size, size].
func syntheticImages(rng *rand.Rand, batchSize, size int) *tensors.Tensor {
	images := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, generator.ImageChannels, size, size))
	tensors.MutableFlatData[float32](images, func(flat []float32) {
		idx := 0
		for range batchSize {
			for range generator.ImageChannels {
				fx, fy, offset := rng.Float32(), rng.Float32(), rng.Float32()
				for y := range size {
					for x := range size {
						v := offset + fx*float32(x)/float32(size) + fy*float32(y)/float32(size) + 0.05*rng.Float32()
						flat[idx] = v / 3.05
						idx++
					}
				}
			}
		}
	})
	return images
}

// formatDebugValues formats the generator debug values for display.
func formatDebugValues(values map[string]any) map[string]string {
	stats := make(map[string]string, len(values))
	for name, value := range values {
		switch v := value.(type) {
		case float64:
			stats[name] = fmt.Sprintf("%.4f", v)
		default:
			stats[name] = fmt.Sprintf("%v", v)
		}
	}
	return stats
}

// upscale loads the image at inputPath, up-scales it with the generator in inference mode and saves it to
// outputPath.
func upscale(backend backends.Backend, gen *generator.Generator, inputPath, outputPath string) error {
	img, err := imaging.Open(inputPath)
	if err != nil {
		return errors.Wrapf(err, "failed to load image %q", inputPath)
	}
	if t := gen.Temperature(); t != 1 {
		klog.Infof("setting switch temperature from %g to 1 for inference", t)
		gen.SetTemperature(1)
	}
	batch := timages.ToTensor(dtypes.Float32).Batch([]image.Image{img}) // [1, height, width, channels]
	toChannelsFirst := context.NewExec(backend, context.New(), func(_ *context.Context, x *Node) *Node {
		x = Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, generator.ImageChannels))
		return TransposeAllDims(x, 0, 3, 1, 2)
	})
	toChannelsLast := context.NewExec(backend, context.New(), func(_ *context.Context, x *Node) *Node {
		return TransposeAllDims(ClipScalar(x, 0, 1), 0, 2, 3, 1)
	})
	output, err := gen.Forward(switching.Inference, toChannelsFirst.Call(batch)[0])
	if err != nil {
		return err
	}
	upscaled := timages.ToImage().Batch(toChannelsLast.Call(output)[0])[0]
	if err = os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", outputPath)
	}
	if err = imaging.Save(upscaled, outputPath); err != nil {
		return errors.Wrapf(err, "failed to save up-scaled image to %q", outputPath)
	}
	return nil
}
