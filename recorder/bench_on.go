// Copyright 2022 Gustavo C. Viegas. All rights reserved.

//go:build vkcore_benchmark

package recorder

import "vulkanfx/vkcore/platform"

// benchState holds the bracket this build measures. There is no
// timestamp-query-pool command in driver.CmdBuffer, so this
// measures host-observed wall time around the bracket rather
// than GPU timestamp ticks; good enough for the comparative
// before/after numbers benchmark mode exists for.
type benchState struct {
	start, elapsed float64
}

// BenchmarkStart marks the beginning of a measured bracket.
func (r *Recorder) BenchmarkStart() { r.bench.start = platform.Now() }

// BenchmarkEnd marks the end of a measured bracket. Call after
// SubmitAndWait so the bracket includes GPU execution time, not
// just recording.
func (r *Recorder) BenchmarkEnd() { r.bench.elapsed = platform.Now() - r.bench.start }

// Benchmark returns the elapsed seconds of the last bracket.
func (r *Recorder) Benchmark() float64 { return r.bench.elapsed }
