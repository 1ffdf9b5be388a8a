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
	"path/filepath"
	"sync"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultExportEvery is the default period, in steps, of the attention maps export.
const DefaultExportEvery = 50

// Target is anything whose temperature is controlled: typically a switching.SwitchComputer.
type Target interface {
	SetTemperature(t float64)
	Temperature() float64
}

// Controller applies a Schedule to a set of targets, and exports and summarizes their latest routing
// distributions.
//
// The attention history given to UpdateForStep and DebugValues holds one routing distribution per target,
// in the same order.
type Controller struct {
	schedule Schedule
	targets  []Target

	mu          sync.Mutex
	exporter    AttentionExporter
	dir         string
	exportEvery int
	topK        int
	phase       Phase
}

// NewController creates a Controller for the given targets. By default, attention maps are exported
// every DefaultExportEvery steps with a PNGExporter to the current directory.
func NewController(schedule Schedule, targets ...Target) (*Controller, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, errors.New("annealing controller requires at least one target")
	}
	return &Controller{
		schedule:    schedule,
		targets:     targets,
		exporter:    PNGExporter{},
		dir:         ".",
		exportEvery: DefaultExportEvery,
		topK:        DefaultTopK,
		phase:       schedule.PhaseAt(0),
	}, nil
}

// Schedule returns the controlled schedule.
func (c *Controller) Schedule() Schedule { return c.schedule }

// Exporter sets the AttentionExporter. If nil, exports are disabled.
func (c *Controller) Exporter(exporter AttentionExporter) *Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exporter = exporter
	return c
}

// Dir sets the base directory of the exports: attention maps are written under `<dir>/attention_maps/a<i>`.
func (c *Controller) Dir(dir string) *Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dir = dir
	return c
}

// ExportEvery sets the period, in steps, of the exports. If <= 0, exports are disabled.
func (c *Controller) ExportEvery(steps int) *Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exportEvery = steps
	return c
}

// UpdateForStep sets the scheduled temperature of step on every target, and returns it.
//
// If step is a multiple of the export period and a history is given, the routing distributions are exported.
// Export failures are logged and otherwise ignored.
func (c *Controller) UpdateForStep(step int, history []*tensors.Tensor) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	temperature := c.schedule.Temperature(step)
	for _, target := range c.targets {
		target.SetTemperature(temperature)
	}
	if phase := c.schedule.PhaseAt(step); phase != c.phase {
		klog.Infof("switch temperature schedule: %s -> %s at step %d (temperature=%g)", c.phase, phase, step, temperature)
		c.phase = phase
	}
	if len(history) > 0 && c.exporter != nil && c.exportEvery > 0 && step%c.exportEvery == 0 {
		c.export(step, history)
	}
	return temperature
}

func (c *Controller) export(step int, history []*tensors.Tensor) {
	pattern := fmt.Sprintf("attention_map_%d_%%d.png", step)
	for ii, attention := range history {
		if attention == nil {
			continue
		}
		if rank := attention.Shape().Rank(); rank != 4 {
			klog.Warningf("skipping export of attention map of switch #%d at step %d: rank %d, expected 4", ii, step, rank)
			continue
		}
		dir := filepath.Join(c.dir, "attention_maps", fmt.Sprintf("a%d", ii))
		numBranches := attention.Shape().Dimensions[1]
		if err := c.exporter.ExportAttention(dir, attention, numBranches, pattern, step); err != nil {
			klog.Warningf("failed to export attention map of switch #%d at step %d: %+v", ii, step, err)
			continue
		}
		klog.V(1).Infof("exported attention maps of switch #%d at step %d to %s", ii, step, dir)
	}
}

// DebugValues returns the current temperature (`switch_temperature`) and, for each routing distribution in
// history, its specificity (`switch_<i>_specificity`) and branch histogram (`switch_<i>_histogram`).
func (c *Controller) DebugValues(_ int, history []*tensors.Tensor) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	values := map[string]any{
		"switch_temperature": c.targets[0].Temperature(),
	}
	for ii, attention := range history {
		mean, histogram, err := Specificity(attention, c.topK)
		if err != nil {
			klog.Warningf("failed to compute specificity of switch #%d: %v", ii, err)
			continue
		}
		values[fmt.Sprintf("switch_%d_specificity", ii)] = mean
		values[fmt.Sprintf("switch_%d_histogram", ii)] = histogram
	}
	return values
}
