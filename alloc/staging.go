// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package alloc

import (
	"sort"
	"sync"

	"vulkanfx/vkcore/driver"
)

// defaultCompareRatio is the spec's default size_compare_ratio:
// a cached buffer is reused for a request if
// cached*ratio <= requested <= cached.
const defaultCompareRatio = 0.75

// StagingAllocator is a host-visible, host-coherent buffer
// cache used only for CPU<->GPU copies. Unlike BlobAllocator
// and WeightAllocator it does not sub-allocate a single growing
// buffer: every handle owns a whole buffer of its own, sized to
// the request (rounded up), and freed buffers are kept in a
// cache sorted by capacity (the smallest fitting entry is reused;
// recency plays no part) instead of a bitmap, mirroring
// the dedicated-buffer-per-request reuse policy described for
// the staging allocator.
type StagingAllocator struct {
	mu    sync.Mutex
	gpu   driver.GPU
	ratio float64
	// cache is kept sorted ascending by capacity so alloc can
	// binary-search for the smallest reusable entry.
	cache []*cachedBuf
}

type cachedBuf struct {
	buf driver.Buffer
	cap int64
}

// NewStagingAllocator creates a StagingAllocator backed by gpu,
// using the default compare ratio of 0.75.
func NewStagingAllocator(gpu driver.GPU) *StagingAllocator {
	return &StagingAllocator{gpu: gpu, ratio: defaultCompareRatio}
}

// SetCompareRatio overrides the default size_compare_ratio.
func (a *StagingAllocator) SetCompareRatio(ratio float64) { a.ratio = ratio }

// AllocBuffer returns a host-visible buffer of at least bytes
// capacity, reusing a cached one if
// cached*ratio <= bytes <= cached.
func (a *StagingAllocator) AllocBuffer(bytes int64) (*BufferHandle, error) {
	if bytes <= 0 {
		panic("alloc: non-positive size")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	// Smallest cap >= bytes.
	i := sort.Search(len(a.cache), func(i int) bool { return a.cache[i].cap >= bytes })
	if i < len(a.cache) {
		c := a.cache[i]
		if float64(c.cap)*a.ratio <= float64(bytes) {
			a.cache = append(a.cache[:i], a.cache[i+1:]...)
			return &BufferHandle{Buf: c.buf, Offset: 0, Capacity: bytes, refcount: 1, pool: a}, nil
		}
	}

	buf, err := a.gpu.NewBuffer(bytes, true, driver.UCopy)
	if err != nil {
		return nil, allocErr(bytes, err)
	}
	return &BufferHandle{Buf: buf, Offset: 0, Capacity: bytes, refcount: 1, pool: a}, nil
}

// AllocImage allocates a dedicated image through the same
// allocImage path as the other allocators; the tiling argument
// is not used.
func (a *StagingAllocator) AllocImage(w, h, d int, format driver.PixelFmt, tiling Tiling, usage driver.Usage) (*ImageHandle, error) {
	return allocImage(a.gpu, w, h, d, format, usage)
}

// Free releases h, returning buffers to the cache.
func (a *StagingAllocator) Free(h any) { freeHandle(h) }

// free reinserts h's buffer into the cache, keeping it sorted
// by capacity.
func (a *StagingAllocator) free(h *BufferHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bcap := h.Buf.Cap()
	i := sort.Search(len(a.cache), func(i int) bool { return a.cache[i].cap >= bcap })
	a.cache = append(a.cache, nil)
	copy(a.cache[i+1:], a.cache[i:])
	a.cache[i] = &cachedBuf{buf: h.Buf, cap: bcap}
}

// Clear releases every cached buffer.
func (a *StagingAllocator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.cache {
		c.buf.Destroy()
	}
	a.cache = nil
}

// Flush is a no-op: staging memory is always requested
// host-coherent (see driver/vk's newMemory).
func (a *StagingAllocator) Flush(h *BufferHandle) error { return nil }

// Invalidate is a no-op for the same reason as Flush.
func (a *StagingAllocator) Invalidate(h *BufferHandle) error { return nil }
