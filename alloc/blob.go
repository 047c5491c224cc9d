// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package alloc

import "vulkanfx/vkcore/driver"

// preferredBlobBlock is the default block-growth size for
// BlobAllocator, per the spec's "16 MB for blob" default.
const preferredBlobBlock = 16 << 20

// BlobAllocator is a short-lived, per-operator-invocation
// allocator: handles are expected to be freed soon after being
// granted (typically at the end of the operator call that
// requested them), so its pool never shrinks proactively —
// freed ranges are simply made available for the next request.
type BlobAllocator struct {
	pool *blockPool
}

// NewBlobAllocator creates a BlobAllocator backed by gpu,
// requesting device-local, shader-read/write storage.
func NewBlobAllocator(gpu driver.GPU) *BlobAllocator {
	usg := driver.UShaderRead | driver.UShaderWrite | driver.UCopy
	return &BlobAllocator{pool: newBlockPool(gpu, preferredBlobBlock, deviceLocal, usg)}
}

// AllocBuffer sub-allocates bytes from the pool.
func (a *BlobAllocator) AllocBuffer(bytes int64) (*BufferHandle, error) { return a.pool.alloc(bytes) }

// AllocImage allocates a dedicated image.
func (a *BlobAllocator) AllocImage(w, h, d int, format driver.PixelFmt, tiling Tiling, usage driver.Usage) (*ImageHandle, error) {
	return allocImage(a.pool.gpu, w, h, d, format, usage)
}

// Free releases h.
func (a *BlobAllocator) Free(h any) { freeHandle(h) }

// Flush is a no-op: the pool is device-local only.
func (a *BlobAllocator) Flush(h *BufferHandle) error { return a.pool.flush(h) }

// Invalidate is a no-op: the pool is device-local only.
func (a *BlobAllocator) Invalidate(h *BufferHandle) error { return a.pool.invalidate(h) }

// freeHandle dispatches to the concrete handle's Release
// method, shared by every Allocator.Free implementation.
func freeHandle(h any) {
	switch v := h.(type) {
	case *BufferHandle:
		v.Release()
	case *ImageHandle:
		v.Release()
	}
}
