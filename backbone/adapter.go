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

// Package backbone holds the auxiliary feature extractor used to condition the routing of a switched
// generator, and the single-slot adapter that caches its features for the duration of one forward pass.
package backbone

import (
	"sync"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"k8s.io/klog/v2"
)

// Extractor computes a list of feature maps from an image. The first element is the one consumed by the
// backbone multiplexer.
type Extractor interface {
	Extract(ctx *context.Context, image *Node) []*Node
}

// CachedAdapter runs an Extractor once per forward pass and keeps the result, so components built later
// in the same graph (e.g. multiplexers) can read the features without recomputing them.
//
// It is a single slot: every Invoke overwrites the previous result.
type CachedAdapter struct {
	extractor Extractor

	mu    sync.Mutex
	cache []*Node
}

// NewCachedAdapter wraps extractor.
func NewCachedAdapter(extractor Extractor) *CachedAdapter {
	return &CachedAdapter{extractor: extractor}
}

// Invoke runs the extractor on image, stores the result and returns it.
func (a *CachedAdapter) Invoke(ctx *context.Context, image *Node) []*Node {
	result := a.extractor.Extract(ctx, image)
	if len(result) == 0 {
		exceptions.Panicf("backbone extractor returned no features for image %s", image.Shape())
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = result
	klog.V(1).Infof("backbone: cached %d feature maps, first shaped %s", len(result), result[0].Shape())
	return result
}

// ForwardResult returns the result of the last Invoke: the very same slice, not a copy.
//
// It panics if Invoke was never called (or the adapter was Reset), since reading the features before
// they were computed is a wiring bug.
func (a *CachedAdapter) ForwardResult() []*Node {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cache == nil {
		exceptions.Panicf("backbone adapter read before Invoke: the backbone must run before its features are used")
	}
	return a.cache
}

// Reset clears the cached result.
func (a *CachedAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = nil
}
