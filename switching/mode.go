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

package switching

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// Mode selects between training and inference behavior. It is passed explicitly to every
// graph building call of this package.
type Mode int

const (
	// Training enables noise injection and the update of the branch usage accumulator.
	Training Mode = iota

	// Inference requires the switches to be fully sharpened (temperature == 1).
	Inference
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Training:
		return "training"
	case Inference:
		return "inference"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ModeFromContext returns Training if ctx is marked as training for graph g (see context.Context.SetTraining),
// and Inference otherwise.
func ModeFromContext(ctx *context.Context, g *Graph) Mode {
	if ctx.IsTraining(g) {
		return Training
	}
	return Inference
}
