// Copyright 2022 Gustavo C. Viegas. All rights reserved.

//go:build !vkcore_benchmark

package recorder

// benchState is empty in non-benchmark builds.
type benchState struct{}

// BenchmarkStart is a no-op unless built with the
// vkcore_benchmark tag.
func (r *Recorder) BenchmarkStart() {}

// BenchmarkEnd is a no-op unless built with the vkcore_benchmark
// tag.
func (r *Recorder) BenchmarkEnd() {}

// Benchmark returns 0 unless built with the vkcore_benchmark
// tag.
func (r *Recorder) Benchmark() float64 { return 0 }
