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
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// Multiplexer produces the routing logits of a switch: for a conditioning feature map shaped
// `[batch, channels, height, width]` it returns one unnormalized score per branch and location,
// shaped `[batch, NumBranches(), height, width]`.
type Multiplexer interface {
	// NumBranches is the number of logit channels generated.
	NumBranches() int

	// Logits builds the multiplexer network in ctx. It must be deterministic given its parameters.
	Logits(ctx *context.Context, conditioning *Node) *Node
}
