// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package alloc

import "vulkanfx/vkcore/driver"

// preferredWeightBlock is the default block-growth size for
// WeightAllocator, per the spec's "8 MB for weights" default.
const preferredWeightBlock = 8 << 20

// WeightAllocator is a long-lived allocator: handles granted
// from it are expected to survive until device teardown (model
// weights, persistent buffers). Like BlobAllocator's, its pool
// never shrinks; it grows on demand, by whole blocks, whenever
// a request finds no free range large enough.
type WeightAllocator struct {
	pool *blockPool
}

// NewWeightAllocator creates a WeightAllocator backed by gpu.
func NewWeightAllocator(gpu driver.GPU) *WeightAllocator {
	usg := driver.UShaderRead | driver.UCopy
	return &WeightAllocator{pool: newBlockPool(gpu, preferredWeightBlock, deviceLocal, usg)}
}

// AllocBuffer sub-allocates bytes from the pool.
func (a *WeightAllocator) AllocBuffer(bytes int64) (*BufferHandle, error) { return a.pool.alloc(bytes) }

// AllocImage allocates a dedicated image.
func (a *WeightAllocator) AllocImage(w, h, d int, format driver.PixelFmt, tiling Tiling, usage driver.Usage) (*ImageHandle, error) {
	return allocImage(a.pool.gpu, w, h, d, format, usage)
}

// Free releases h.
func (a *WeightAllocator) Free(h any) { freeHandle(h) }

// Flush is a no-op: the pool is device-local only.
func (a *WeightAllocator) Flush(h *BufferHandle) error { return a.pool.flush(h) }

// Invalidate is a no-op: the pool is device-local only.
func (a *WeightAllocator) Invalidate(h *BufferHandle) error { return a.pool.invalidate(h) }
