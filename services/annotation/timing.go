// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package annotation

import "time"

// timing accumulates per-step durations for one annotation run. Not safe
// for concurrent use; each task owns its own instance.
type timing struct {
	steps map[string]float64
	start time.Time
}

func newTiming() *timing {
	return &timing{steps: map[string]float64{}, start: time.Now()}
}

// step starts timing a named step and returns the function that stops it.
//
//	defer t.step("vllm_inference")()
func (t *timing) step(name string) func() {
	begin := time.Now()
	return func() {
		t.steps[name] += time.Since(begin).Seconds()
	}
}

func (t *timing) total() float64 {
	return time.Since(t.start).Seconds()
}

// toMap returns all step durations plus the running total, in seconds.
func (t *timing) toMap() map[string]float64 {
	out := make(map[string]float64, len(t.steps)+1)
	for k, v := range t.steps {
		out[k] = v
	}
	out["total"] = t.total()
	return out
}
