// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package operator

import (
	"context"
	"encoding/binary"
	"math"

	"vulkanfx/vkcore/alloc"
	"vulkanfx/vkcore/driver"
	"vulkanfx/vkcore/mat"
	"vulkanfx/vkcore/option"
	"vulkanfx/vkcore/pipelinecache"
	"vulkanfx/vkcore/recorder"
)

// localSize is the fixed 1-D workgroup every demo kernel is
// compiled for; each operates elementwise over a flat buffer, so
// there is no benefit to a 2-D or 3-D layout the way the general
// packing kernels need.
var localSize = [3]int{256, 1, 1}

// ColorInvert is a one-input filter (dst = 1 - src per channel),
// grounded the same way Brightness_vulkan is: one pipeline, one
// VkCompute, one method. It takes no parameters.
type ColorInvert struct{ core *Core }

// NewColorInvert compiles the "operator_color_invert" kernel.
func NewColorInvert(gpu driver.GPU, staging alloc.Allocator, cache *pipelinecache.Cache,
	queues recorder.QueuePool, opt *option.Option, source Source) (*ColorInvert, error) {
	c, err := NewCore(gpu, staging, cache, queues, opt, source, "operator_color_invert", localSize, 1)
	if err != nil {
		return nil, err
	}
	return &ColorInvert{core: c}, nil
}

// Run inverts src into dst.
func (o *ColorInvert) Run(ctx context.Context, src, dst *mat.Mat) (float64, error) {
	return o.core.Run(ctx, []*mat.Mat{src}, dst, nil)
}

// Destroy releases the operator's descriptor table and heap.
func (o *ColorInvert) Destroy() { o.core.Destroy() }

// Exposure is a one-input filter parameterized by a single
// brightness scale, grounded in Brightness_vulkan's
// filter(src, dst, brightness) signature.
type Exposure struct{ core *Core }

// NewExposure compiles the "operator_exposure" kernel.
func NewExposure(gpu driver.GPU, staging alloc.Allocator, cache *pipelinecache.Cache,
	queues recorder.QueuePool, opt *option.Option, source Source) (*Exposure, error) {
	c, err := NewCore(gpu, staging, cache, queues, opt, source, "operator_exposure", localSize, 1)
	if err != nil {
		return nil, err
	}
	return &Exposure{core: c}, nil
}

// Run scales src by brightness into dst.
func (o *Exposure) Run(ctx context.Context, src, dst *mat.Mat, brightness float32) (float64, error) {
	params := make([]byte, 4)
	binary.LittleEndian.PutUint32(params, math.Float32bits(brightness))
	return o.core.Run(ctx, []*mat.Mat{src}, dst, params)
}

// Destroy releases the operator's descriptor table and heap.
func (o *Exposure) Destroy() { o.core.Destroy() }

// Fade is a two-input transition, the simplest member of the
// family Bounce_vulkan/Rectangle_vulkan/WindowSlice_vulkan
// belong to: it linearly blends src1 into src2 by progress,
// dropping the extra shadow/geometry parameters those transition
// variants add on top of the same two-input, one-progress shape.
type Fade struct{ core *Core }

// NewFade compiles the "operator_fade" kernel.
func NewFade(gpu driver.GPU, staging alloc.Allocator, cache *pipelinecache.Cache,
	queues recorder.QueuePool, opt *option.Option, source Source) (*Fade, error) {
	c, err := NewCore(gpu, staging, cache, queues, opt, source, "operator_fade", localSize, 2)
	if err != nil {
		return nil, err
	}
	return &Fade{core: c}, nil
}

// Run blends src1 and src2 into dst by progress, where progress
// 0 reproduces src1 and 1 reproduces src2.
func (o *Fade) Run(ctx context.Context, src1, src2, dst *mat.Mat, progress float32) (float64, error) {
	params := make([]byte, 4)
	binary.LittleEndian.PutUint32(params, math.Float32bits(progress))
	return o.core.Run(ctx, []*mat.Mat{src1, src2}, dst, params)
}

// Destroy releases the operator's descriptor table and heap.
func (o *Fade) Destroy() { o.core.Destroy() }
