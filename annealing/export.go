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

package annealing

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

// AttentionExporter writes a routing distribution (attention) somewhere for inspection.
//
// filenamePattern holds one `%d` verb, replaced by the index of the example in the batch.
type AttentionExporter interface {
	ExportAttention(dir string, attention *tensors.Tensor, numBranches int, filenamePattern string, step int) error
}

// DefaultPNGScale is the default nearest-neighbor up-scaling factor of the exported attention maps.
const DefaultPNGScale = 8

// PNGExporter renders each example of a routing distribution to a PNG image: every location is colored with
// the hue assigned to its strongest branch (hues evenly spaced around the color wheel) and the brightness
// of the branch weight.
type PNGExporter struct {
	// Scale is the up-scaling factor of the rendered images. If <= 0, DefaultPNGScale is used.
	Scale int
}

var _ AttentionExporter = PNGExporter{}

// BranchColor returns the color assigned to branch out of numBranches, at the given brightness in [0, 1].
func BranchColor(branch, numBranches int, brightness float64) colorful.Color {
	hue := 360.0 * float64(branch) / float64(numBranches)
	return colorful.Hsv(hue, 1, brightness).Clamped()
}

// ExportAttention implements AttentionExporter.
func (e PNGExporter) ExportAttention(dir string, attention *tensors.Tensor, numBranches int, filenamePattern string, _ int) error {
	values, dims, err := attentionValues(attention)
	if err != nil {
		return err
	}
	batchSize, branches, height, width := dims[0], dims[1], dims[2], dims[3]
	if branches != numBranches {
		return errors.Errorf("attention shaped %s doesn't have %d branches", attention.Shape(), numBranches)
	}
	scale := e.Scale
	if scale <= 0 {
		scale = DefaultPNGScale
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create attention maps directory %q", dir)
	}
	spatial := height * width
	for example := range batchSize {
		img := image.NewNRGBA(image.Rect(0, 0, width, height))
		for y := range height {
			for x := range width {
				pos := y*width + x
				best, bestWeight := 0, -1.0
				for branch := range branches {
					if w := values[(example*branches+branch)*spatial+pos]; w > bestWeight {
						best, bestWeight = branch, w
					}
				}
				img.Set(x, y, BranchColor(best, numBranches, bestWeight))
			}
		}
		scaled := imaging.Resize(img, width*scale, height*scale, imaging.NearestNeighbor)
		path := filepath.Join(dir, fmt.Sprintf(filenamePattern, example))
		if err = imaging.Save(scaled, path); err != nil {
			return errors.Wrapf(err, "failed to save attention map to %q", path)
		}
	}
	return nil
}
