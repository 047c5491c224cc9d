// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package operator is the seam between the compute runtime and
// a concrete image effect: a fixed compute shader, one
// descriptor table, and the upload/dispatch/download sequence
// every effect needs regardless of what it actually computes.
// It mirrors the imgui_vkshader filter/transition classes this
// runtime's operators are modeled on (Brightness_vulkan,
// Bounce_vulkan, ...): a thin class wrapping a Pipeline and a
// VkCompute, exposing one method that uploads its inputs,
// dispatches, reads back the result and returns the elapsed
// time.
package operator

import (
	"context"
	"math"
	"time"

	"vulkanfx/vkcore"
	"vulkanfx/vkcore/alloc"
	"vulkanfx/vkcore/driver"
	"vulkanfx/vkcore/mat"
	"vulkanfx/vkcore/option"
	"vulkanfx/vkcore/pipelinecache"
	"vulkanfx/vkcore/platform"
	"vulkanfx/vkcore/recorder"
	"vulkanfx/vkcore/shader"
)

// submitTimeout bounds how long a single Run waits for its
// submission to complete.
const submitTimeout = 5 * time.Second

// Source supplies the SPIR-V bytes for a named operator kernel,
// the same host-injection seam packing.Source uses: this
// package ships no kernel binaries of its own.
type Source func(name string) ([]byte, error)

// Core is the machinery every concrete operator embeds: it
// resolves one compute pipeline from a fixed, named kernel, owns
// the descriptor table that binds it, and knows how to round-
// trip Mats through a Recorder. Concrete operators (ColorInvert,
// Exposure, Fade) add nothing but a Run method that shapes its
// own parameters into bytes and calls Core.Run.
type Core struct {
	gpu     driver.GPU
	staging alloc.Allocator
	cache   *pipelinecache.Cache
	queues  recorder.QueuePool
	opt     *option.Option

	name    string
	local   [3]int
	nInputs int

	entry *pipelinecache.Entry
	heap  driver.DescHeap
	table driver.DescTable
}

// NewCore builds the Core for a kernel named name, compiled for
// the given fixed local workgroup size, accepting nInputs
// read-only buffer bindings ahead of the single write binding
// every operator produces.
func NewCore(gpu driver.GPU, staging alloc.Allocator, cache *pipelinecache.Cache, queues recorder.QueuePool,
	opt *option.Option, source Source, name string, local [3]int, nInputs int) (*Core, error) {

	if opt == nil {
		opt = option.Default()
	}
	src, err := source(name)
	if err != nil {
		return nil, &vkcore.Error{Kind: vkcore.ShaderCompileError, Err: err, Log: name}
	}
	spirv, specVals, err := shader.CompileGLSL(src, opt)
	if err != nil {
		return nil, err
	}
	digest := pipelinecache.Digest(bytesToWords(spirv))

	descs := make([]driver.Descriptor, 0, nInputs+2)
	for i := 0; i < nInputs; i++ {
		descs = append(descs, driver.Descriptor{Type: driver.DBuffer, Stages: driver.SCompute, Nr: i, Len: 1})
	}
	descs = append(descs, driver.Descriptor{Type: driver.DBuffer, Stages: driver.SCompute, Nr: nInputs, Len: 1})
	descs = append(descs, driver.Descriptor{Type: driver.DConstant, Stages: driver.SCompute, Nr: nInputs + 1, Len: 1})

	heap, err := gpu.NewDescHeap(descs)
	if err != nil {
		return nil, err
	}
	if err := heap.New(1); err != nil {
		heap.Destroy()
		return nil, err
	}
	table, err := gpu.NewDescTable([]driver.DescHeap{heap})
	if err != nil {
		heap.Destroy()
		return nil, err
	}

	build := func() (driver.Pipeline, *shader.ShaderInfo, error) {
		info, err := shader.ReflectSPIRV(spirv)
		if err != nil {
			return nil, nil, err
		}
		code, err := gpu.NewShaderCode(spirv)
		if err != nil {
			return nil, nil, err
		}
		pl, err := gpu.NewPipeline(&driver.CompState{
			Func:    driver.ShaderFunc{Code: code, Name: "main"},
			Desc:    table,
			SpecVal: specVals,
			Workgrp: local,
		})
		if err != nil {
			return nil, nil, err
		}
		return pl, info, nil
	}

	entry, err := cache.Get(digest, specVals, local, build)
	if err != nil {
		table.Destroy()
		heap.Destroy()
		return nil, err
	}

	return &Core{
		gpu: gpu, staging: staging, cache: cache, queues: queues, opt: opt,
		name: name, local: local, nInputs: nInputs,
		entry: entry, heap: heap, table: table,
	}, nil
}

// Destroy releases the descriptor table and heap. The cached
// pipeline itself is owned by the pipeline cache and survives
// the Core.
func (c *Core) Destroy() {
	c.table.Destroy()
	c.heap.Destroy()
}

// Run uploads each of inputs, dispatches the kernel once over
// output's element count, downloads the result into output and
// submits, returning the elapsed wall-clock time. params, when
// non-nil, is bound as a small constant buffer ahead of the
// dispatch; concrete operators are responsible for encoding
// their own parameters into it. On any error it returns
// math.NaN(), mirroring the original imgui_vkshader filter/
// transition methods, which report a negative duration on
// failure rather than a separate error value.
func (c *Core) Run(ctx context.Context, inputs []*mat.Mat, output *mat.Mat, params []byte) (float64, error) {
	if err := ctx.Err(); err != nil {
		return math.NaN(), err
	}
	if len(inputs) != c.nInputs {
		return math.NaN(), &vkcore.Error{Kind: vkcore.ShapeMismatch, Expected: "one input Mat per kernel input binding", Actual: "a different input count"}
	}

	start := platform.Now()

	rec, err := recorder.New(c.gpu, c.staging, c.queues)
	if err != nil {
		return math.NaN(), err
	}
	defer rec.Destroy()

	inBufs := make([]*alloc.BufferHandle, len(inputs))
	for i, m := range inputs {
		h, err := c.staging.AllocBuffer(int64(len(m.Mapped())))
		if err != nil {
			return math.NaN(), err
		}
		inBufs[i] = h
		if err := rec.RecordUpload(h, m.Mapped()); err != nil {
			return math.NaN(), err
		}
	}

	outBytes := output.Mapped()
	outBuf, err := c.staging.AllocBuffer(int64(len(outBytes)))
	if err != nil {
		return math.NaN(), err
	}

	var paramBuf *alloc.BufferHandle
	if params != nil {
		paramBuf, err = c.staging.AllocBuffer(int64(len(params)))
		if err != nil {
			return math.NaN(), err
		}
		if err := rec.RecordUpload(paramBuf, params); err != nil {
			return math.NaN(), err
		}
	}

	for i, h := range inBufs {
		c.heap.SetBuffer(0, i, 0, []driver.Buffer{h.Buf}, []int64{h.Offset}, []int64{h.Capacity})
	}
	c.heap.SetBuffer(0, c.nInputs, 0, []driver.Buffer{outBuf.Buf}, []int64{outBuf.Offset}, []int64{outBuf.Capacity})
	if paramBuf != nil {
		c.heap.SetBuffer(0, c.nInputs+1, 0, []driver.Buffer{paramBuf.Buf}, []int64{paramBuf.Offset}, []int64{paramBuf.Capacity})
	}

	bindings := recorder.PipelineBindings{BufReads: inBufs, BufWrites: []*alloc.BufferHandle{outBuf}, Table: c.table}
	if paramBuf != nil {
		bindings.BufReads = append(bindings.BufReads, paramBuf)
	}

	n := len(outBytes) / output.ElemSize()
	if err := rec.RecordPipeline(c.entry.Pipeline, bindings, driver.Dim3D{Width: n, Height: 1, Depth: 1}, c.local); err != nil {
		return math.NaN(), err
	}
	if err := rec.RecordDownload(outBuf, outBytes); err != nil {
		return math.NaN(), err
	}
	if err := rec.SubmitAndWait(submitTimeout); err != nil {
		return math.NaN(), err
	}

	return platform.Now() - start, nil
}

// bytesToWords decodes a little-endian byte slice into 32-bit
// words for Digest, mirroring packing.bytesToWords.
func bytesToWords(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
	}
	return out
}
