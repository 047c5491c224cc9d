// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package alloc

import (
	"sync"

	"vulkanfx/vkcore/driver"
	"vulkanfx/vkcore/internal/bitm"
)

// granule is the minimum allocation unit tracked by a
// blockPool's bitmap, mirroring the teacher's spanBlock/
// stagingBlock granularity constants.
const granule = 256

// nbit is the number of bits in the Bitm's word type.
const nbit = 32

// blockPool is a single growing GPU buffer sub-allocated by
// bitmap, shared by BlobAllocator and WeightAllocator. It
// differs from the teacher's meshBuffer/stagingBuffer only in
// that it frees individual ranges back to the bitmap (the
// teacher's buffers are cleared wholesale after each commit;
// this pool supports the spec's per-handle free/coalesce
// requirement, which falls out for free since unsetting bits
// in a bitmap is inherently a coalescing free list: an unset
// run of any length is immediately available to Search/
// SearchRange again).
//
// Growth never destroys a buffer out from under a handle
// issued before the growth: each backing driver.Buffer the pool
// has ever allocated is wrapped in a genBuf and kept alive as
// long as any BufferHandle still points to it. Only the current
// genBuf serves new allocations; a superseded one is destroyed
// the moment its last referencing handle releases (immediately,
// at retirement, if nothing references it already).
type blockPool struct {
	mu  sync.Mutex
	gpu driver.GPU
	vis mappable
	usg driver.Usage
	gen *genBuf
	bm  bitm.Bitm[uint32]
	// blockGranules is how many granules to grow by when the
	// bitmap runs out of room; it is the allocator's preferred
	// block size (16 MB for blob, 8 MB for weight) expressed in
	// granule units, rounded up to a whole number of bitmap
	// words.
	blockGranules int
}

// genBuf is one generation of a blockPool's backing buffer.
// refs counts the outstanding BufferHandles that still point at
// buf; retired marks a generation a growth has superseded. A
// retired genBuf is destroyed as soon as refs drops to zero,
// whether that happens at retirement time (nothing was
// referencing it) or later, from free().
type genBuf struct {
	buf     driver.Buffer
	refs    int
	retired bool
}

func newBlockPool(gpu driver.GPU, preferredBlockSize int64, vis mappable, usg driver.Usage) *blockPool {
	bg := int((preferredBlockSize + granule - 1) / granule)
	bg = ((bg + nbit - 1) / nbit) * nbit
	return &blockPool{gpu: gpu, vis: vis, usg: usg, blockGranules: bg}
}

// alloc sub-allocates n bytes, growing the backing buffer if
// the bitmap has no contiguous free range of the right size.
func (p *blockPool) alloc(n int64) (*BufferHandle, error) {
	if n <= 0 {
		panic("alloc: non-positive size")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ng := int((n + granule - 1) / granule)
	idx, ok := p.bm.SearchRange(ng)
	if !ok {
		grow := ((ng + p.blockGranules - 1) / p.blockGranules) * p.blockGranules
		words := (grow + nbit - 1) / nbit
		idx = p.bm.Grow(words)
		newCap := int64(p.bm.Len()) * granule
		nbuf, err := p.gpu.NewBuffer(newCap, bool(p.vis), p.usg)
		if err != nil {
			p.bm.Shrink(words)
			return nil, allocErr(n, err)
		}
		if p.gen != nil {
			if bool(p.vis) {
				copy(nbuf.Bytes(), p.gen.buf.Bytes())
			}
			p.retire(p.gen)
		}
		p.gen = &genBuf{buf: nbuf}
	}
	for i := 0; i < ng; i++ {
		p.bm.Set(idx + i)
	}
	p.gen.refs++
	return &BufferHandle{
		Buf:      p.gen.buf,
		Offset:   int64(idx) * granule,
		Capacity: n,
		refcount: 1,
		granules: ng,
		pool:     p,
		gen:      p.gen,
	}, nil
}

// retire marks g superseded by a newer generation. A generation
// with no outstanding handle is destroyed immediately; otherwise
// free() destroys it once the last handle referencing it
// releases.
func (p *blockPool) retire(g *genBuf) {
	g.retired = true
	if g.refs == 0 {
		g.buf.Destroy()
	}
}

// free returns h's granule range to the bitmap and drops h's
// reference on its generation, destroying the backing buffer if
// h was the last handle keeping a retired generation alive. It
// is called by BufferHandle.Release when the refcount reaches
// zero.
func (p *blockPool) free(h *BufferHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := int(h.Offset / granule)
	for i := 0; i < h.granules; i++ {
		p.bm.Unset(idx + i)
	}
	if g := h.gen; g != nil {
		g.refs--
		if g.retired && g.refs == 0 {
			g.buf.Destroy()
		}
	}
}

// flush/invalidate are no-ops when the pool's memory is host
// coherent, which is the only mode this package requests (see
// driver/vk's newMemory, which always adds
// MemoryPropertyHostCoherentBit alongside HostVisibleBit).
// They are kept as explicit methods so that a future
// non-coherent fallback has a single call site to extend.
func (p *blockPool) flush(*BufferHandle) error      { return nil }
func (p *blockPool) invalidate(*BufferHandle) error { return nil }
