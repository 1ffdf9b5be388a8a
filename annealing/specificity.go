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
	"sort"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// DefaultTopK is the number of strongest branches considered by the specificity diagnostics.
const DefaultTopK = 2

// Specificity summarizes how concentrated a routing distribution (attention), shaped
// `[batch, numBranches, height, width]`, is.
//
// It returns the mean, over all locations, of the sum of the topK largest weights (1/numBranches*topK for a
// uniform routing, 1 when each location routes to at most topK branches), and a histogram with, for each
// branch, the number of locations where it is among the topK.
func Specificity(attention *tensors.Tensor, topK int) (mean float64, histogram []int, err error) {
	values, dims, err := attentionValues(attention)
	if err != nil {
		return 0, nil, err
	}
	batchSize, numBranches, height, width := dims[0], dims[1], dims[2], dims[3]
	topK = min(max(topK, 1), numBranches)
	histogram = make([]int, numBranches)
	spatial := height * width
	locationWeights := make([]float64, numBranches)
	var sum float64
	for example := range batchSize {
		for pos := range spatial {
			for branch := range numBranches {
				locationWeights[branch] = values[(example*numBranches+branch)*spatial+pos]
			}
			for _, branch := range topKIndices(locationWeights, topK) {
				sum += locationWeights[branch]
				histogram[branch]++
			}
		}
	}
	if locations := batchSize * spatial; locations > 0 {
		mean = sum / float64(locations)
	}
	return
}

// topKIndices returns the indices of the k largest values, largest first. Ties are broken by the lower index.
func topKIndices[T constraints.Float | constraints.Integer](values []T, k int) []int {
	indices := make([]int, len(values))
	for ii := range indices {
		indices[ii] = ii
	}
	sort.SliceStable(indices, func(i, j int) bool {
		return values[indices[i]] > values[indices[j]]
	})
	return indices[:k]
}

// attentionValues returns the attention values converted to float64 and its dimensions.
func attentionValues(attention *tensors.Tensor) ([]float64, []int, error) {
	if attention == nil {
		return nil, nil, errors.New("attention tensor is nil")
	}
	shape := attention.Shape()
	if shape.Rank() != 4 {
		return nil, nil, errors.Errorf("attention must be shaped [batch, branches, height, width], got %s", shape)
	}
	var values []float64
	switch shape.DType {
	case dtypes.Float32:
		values = toFloat64(tensors.CopyFlatData[float32](attention))
	case dtypes.Float64:
		values = tensors.CopyFlatData[float64](attention)
	default:
		return nil, nil, errors.Errorf("attention dtype %s not supported, only Float32 and Float64", shape.DType)
	}
	return values, shape.Dimensions, nil
}

func toFloat64[T constraints.Float](values []T) []float64 {
	converted := make([]float64, len(values))
	for ii, v := range values {
		converted[ii] = float64(v)
	}
	return converted
}
