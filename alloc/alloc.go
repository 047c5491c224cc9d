// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package alloc implements the allocator family that backs
// image tensors and GPU-side scratch/weight storage: a
// short-lived blob allocator, a long-lived weight allocator,
// and a host-visible staging allocator, all built on the same
// bitmap-tracked growing-buffer pool the teacher uses for its
// mesh and staging buffers, plus dedicated per-resource
// allocation for images.
package alloc

import (
	"sync/atomic"

	"vulkanfx/vkcore"
	"vulkanfx/vkcore/driver"
)

// Tiling selects the memory layout of an allocated image.
type Tiling int

// Recognized tilings.
const (
	// TOptimal lets the driver choose an implementation-defined
	// layout; it is not directly CPU-addressable.
	TOptimal Tiling = iota
	// TLinear uses a row-major layout, required when the image
	// must be mapped for CPU access.
	TLinear
)

// BufferHandle is a reference-counted sub-allocation within a
// pool-owned GPU buffer.
type BufferHandle struct {
	Buf      driver.Buffer
	Offset   int64
	Capacity int64

	// AccessFlags and StageFlags track the last recorded usage
	// of this handle, for barrier synthesis by the command
	// recorder. They are mutated under the recorder's own
	// synchronization, not this package's.
	AccessFlags driver.Access
	StageFlags  driver.Sync

	refcount int32
	granules int
	pool     freer

	// gen is the blockPool generation h was allocated from, if
	// any (nil for StagingAllocator handles, which own their
	// buffer outright rather than sub-allocating from a growing
	// pool). blockPool.free uses it to know when the last handle
	// referencing a superseded buffer has gone away.
	gen *genBuf
}

// freer is implemented by the concrete pool types that own a
// BufferHandle's backing storage (blockPool for blob/weight
// allocators, StagingAllocator itself for staging), so that
// BufferHandle.Release can route the free through whichever one
// granted it without depending on a single concrete type.
type freer interface {
	free(*BufferHandle)
}

// Mapped returns a CPU view of the handle's byte range if the
// owning buffer is host visible; else it returns nil.
func (h *BufferHandle) Mapped() []byte {
	if h == nil || h.Buf == nil || !h.Buf.Visible() {
		return nil
	}
	b := h.Buf.Bytes()
	if b == nil {
		return nil
	}
	return b[h.Offset : h.Offset+h.Capacity]
}

// Retain increments the handle's reference count.
func (h *BufferHandle) Retain() { atomic.AddInt32(&h.refcount, 1) }

// Release decrements the handle's reference count and, if it
// reaches zero, returns the range to the owning pool.
func (h *BufferHandle) Release() {
	if atomic.AddInt32(&h.refcount, -1) == 0 && h.pool != nil {
		h.pool.free(h)
	}
}

// ImageHandle is a dedicated GPU image allocation.
type ImageHandle struct {
	Img    driver.Image
	Format driver.PixelFmt
	W, H, D int
	Layout driver.Layout

	// CommandRefcount tracks in-flight uses recorded by command
	// buffers that have not yet completed; it is managed by the
	// recorder, not this package.
	CommandRefcount int32

	refcount int32
}

// Retain increments the handle's reference count.
func (h *ImageHandle) Retain() { atomic.AddInt32(&h.refcount, 1) }

// Release decrements the handle's reference count and, at
// zero, destroys the underlying image.
func (h *ImageHandle) Release() {
	if atomic.AddInt32(&h.refcount, -1) == 0 {
		h.Img.Destroy()
	}
}

// Allocator is the common interface implemented by
// BlobAllocator, WeightAllocator and StagingAllocator.
type Allocator interface {
	// AllocBuffer sub-allocates bytes from the pool, growing it
	// if necessary.
	AllocBuffer(bytes int64) (*BufferHandle, error)

	// AllocImage allocates a dedicated image of the given
	// dimensions, format, tiling and usage.
	AllocImage(w, h, d int, format driver.PixelFmt, tiling Tiling, usage driver.Usage) (*ImageHandle, error)

	// Free releases h, which must be a *BufferHandle or
	// *ImageHandle previously returned by this Allocator.
	// It is equivalent to calling h.Release() directly, and is
	// provided so that callers can hold an Allocator through
	// this interface without a concrete handle type.
	Free(h any)

	// Flush makes CPU writes to a non-coherent mapped range
	// visible to the device.
	Flush(h *BufferHandle) error

	// Invalidate makes device writes to a non-coherent mapped
	// range visible to the CPU.
	Invalidate(h *BufferHandle) error
}

// mappable reports whether a allocates host-visible buffers.
type mappable bool

const (
	hostVisible mappable = true
	deviceLocal mappable = false
)

// allocImage is shared by every Allocator implementation: the
// spec calls for dedicated backing per image regardless of
// which allocator requested it, since images are not
// sub-allocated from the growing buffer pool the way buffers
// are.
func allocImage(gpu driver.GPU, w, h, d int, format driver.PixelFmt, usage driver.Usage) (*ImageHandle, error) {
	size := driver.Dim3D{Width: w, Height: h, Depth: d}
	img, err := gpu.NewImage(format, size, 1, 1, 1, usage)
	if err != nil {
		return nil, allocErr(int64(w)*int64(h)*int64(d), err)
	}
	return &ImageHandle{Img: img, Format: format, W: w, H: h, D: d, Layout: driver.LUndefined, refcount: 1}, nil
}

// allocErr builds a vkcore.Error of kind AllocError.
func allocErr(bytes int64, err error) *vkcore.Error {
	return &vkcore.Error{Kind: vkcore.AllocError, Bytes: bytes, Err: err}
}
