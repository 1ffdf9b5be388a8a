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

// Package annealing controls the temperature of the switches of a generator over training, and computes
// diagnostics of their routing distributions.
package annealing

import (
	"math"

	"github.com/pkg/errors"
)

// Schedule is the two-phase temperature schedule.
//
// Phase 1 linearly cools the temperature from 1+InitTemperature at step 0 down to 1 at
// FinalTemperatureStep. If HeightenedFinalStep is set (non-zero, not 1 and after FinalTemperatureStep),
// phase 2 then takes over with the inverse of a linear ramp from 0 to 1/HeightenedTempMin: the temperature
// restarts high right after FinalTemperatureStep, crosses 1 midway and reaches HeightenedTempMin at
// HeightenedFinalStep, making the routing sharper than a plain softmax.
type Schedule struct {
	InitTemperature      float64
	FinalTemperatureStep int
	HeightenedTempMin    float64
	HeightenedFinalStep  int
}

// Phase of the schedule.
type Phase int

const (
	Cooldown Phase = iota
	Heightening
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case Cooldown:
		return "Cooldown"
	case Heightening:
		return "Heightening"
	default:
		return "UnknownPhase"
	}
}

// Validate the schedule parameters.
func (s Schedule) Validate() error {
	if s.InitTemperature < 0 {
		return errors.Errorf("invalid schedule: InitTemperature=%g must be >= 0", s.InitTemperature)
	}
	if s.FinalTemperatureStep <= 0 {
		return errors.Errorf("invalid schedule: FinalTemperatureStep=%d must be > 0", s.FinalTemperatureStep)
	}
	if s.heightening() && (s.HeightenedTempMin <= 0 || s.HeightenedTempMin > 1) {
		return errors.Errorf("invalid schedule: HeightenedTempMin=%g must be in (0, 1] when HeightenedFinalStep=%d "+
			"is configured", s.HeightenedTempMin, s.HeightenedFinalStep)
	}
	return nil
}

// heightening returns whether phase 2 is configured.
func (s Schedule) heightening() bool {
	return s.HeightenedFinalStep != 0 && s.HeightenedFinalStep != 1 && s.HeightenedFinalStep > s.FinalTemperatureStep
}

// PhaseAt returns the phase of the schedule at step.
func (s Schedule) PhaseAt(step int) Phase {
	if s.heightening() && step > s.FinalTemperatureStep {
		return Heightening
	}
	return Cooldown
}

// Temperature returns the temperature for step.
func (s Schedule) Temperature(step int) float64 {
	final := float64(s.FinalTemperatureStep)
	temperature := math.Max(1, 1+s.InitTemperature*(final-float64(step))/final)
	if temperature != 1 || s.PhaseAt(step) != Heightening {
		return temperature
	}
	total := float64(s.HeightenedFinalStep - s.FinalTemperatureStep)
	current := math.Min(float64(step-s.FinalTemperatureStep), total)
	// Linear ramp from 0 to 1/HeightenedTempMin, inverted.
	value := (1 / s.HeightenedTempMin) * current / total
	return 1 / value
}
