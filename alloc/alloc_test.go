// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vulkanfx/vkcore/driver"
)

// fakeGPU implements just enough of driver.GPU to exercise the
// allocator family without a real Vulkan device. Any method not
// overridden panics via the nil embedded interface, which is
// fine since the allocator package never calls them.
type fakeGPU struct {
	driver.GPU
	bufs []*fakeBuffer
}

func (g *fakeGPU) NewBuffer(size int64, visible bool, usg driver.Usage) (driver.Buffer, error) {
	b := &fakeBuffer{size: size, visible: visible, data: make([]byte, size)}
	g.bufs = append(g.bufs, b)
	return b, nil
}

func (g *fakeGPU) NewImage(pf driver.PixelFmt, size driver.Dim3D, layers, levels, samples int, usg driver.Usage) (driver.Image, error) {
	return &fakeImage{pf: pf, size: size}, nil
}

type fakeBuffer struct {
	size     int64
	visible  bool
	data     []byte
	destroyed bool
}

func (b *fakeBuffer) Destroy()          { b.destroyed = true }
func (b *fakeBuffer) Visible() bool     { return b.visible }
func (b *fakeBuffer) Bytes() []byte     { return b.data }
func (b *fakeBuffer) Cap() int64        { return b.size }

type fakeImage struct {
	pf   driver.PixelFmt
	size driver.Dim3D
}

func (i *fakeImage) Destroy() {}
func (i *fakeImage) NewView(typ driver.ViewType, layer, layers, level, levels int) (driver.ImageView, error) {
	return nil, nil
}

func TestBlobAllocatorGrowsAndFrees(t *testing.T) {
	gpu := &fakeGPU{}
	a := NewBlobAllocator(gpu)

	h1, err := a.AllocBuffer(1024)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), h1.Capacity)
	assert.Nil(t, h1.Mapped(), "device-local buffer should not be mappable")

	h2, err := a.AllocBuffer(2048)
	require.NoError(t, err)
	assert.NotEqual(t, h1.Offset, h2.Offset)

	// Only one backing buffer allocated so far (both fit in one block).
	assert.Len(t, gpu.bufs, 1)

	h1.Release()
	h3, err := a.AllocBuffer(1024)
	require.NoError(t, err)
	// The freed range should be reused rather than growing again.
	assert.Equal(t, h1.Offset, h3.Offset)
	assert.Len(t, gpu.bufs, 1)
}

func TestBlobAllocatorGrowsBeyondBlock(t *testing.T) {
	gpu := &fakeGPU{}
	a := NewBlobAllocator(gpu)
	_, err := a.AllocBuffer(preferredBlobBlock + 1)
	require.NoError(t, err)
	assert.Len(t, gpu.bufs, 1)
	assert.GreaterOrEqual(t, gpu.bufs[0].size, int64(preferredBlobBlock+1))
}

func TestBlobAllocatorSurvivesGrowthWhileHandleOutstanding(t *testing.T) {
	gpu := &fakeGPU{}
	a := NewBlobAllocator(gpu)

	h1, err := a.AllocBuffer(preferredBlobBlock + 1)
	require.NoError(t, err)
	require.Len(t, gpu.bufs, 1)
	first := gpu.bufs[0]
	copy(h1.Buf.Bytes()[h1.Offset:h1.Offset+h1.Capacity], []byte{1, 2, 3, 4})

	// Force a second growth while h1 is still outstanding.
	_, err = a.AllocBuffer(2 * preferredBlobBlock)
	require.NoError(t, err)
	require.Len(t, gpu.bufs, 2)

	assert.False(t, first.destroyed, "buffer backing a live handle must not be destroyed on growth")
	assert.Equal(t, []byte{1, 2, 3, 4}, h1.Buf.Bytes()[h1.Offset:h1.Offset+4])

	h1.Release()
	assert.True(t, first.destroyed, "retired buffer must be destroyed once its last handle releases")
}

func TestStagingAllocatorReusesWithinRatio(t *testing.T) {
	gpu := &fakeGPU{}
	a := NewStagingAllocator(gpu)
	a.SetCompareRatio(0.75)

	h1, err := a.AllocBuffer(1000)
	require.NoError(t, err)
	assert.Len(t, gpu.bufs, 1)
	a.Free(h1)

	// 800 >= 1000*0.75, so this should reuse the cached buffer.
	h2, err := a.AllocBuffer(800)
	require.NoError(t, err)
	assert.Len(t, gpu.bufs, 1)
	assert.Same(t, h1.Buf, h2.Buf)
}

func TestStagingAllocatorMissesOutsideRatio(t *testing.T) {
	gpu := &fakeGPU{}
	a := NewStagingAllocator(gpu)
	a.SetCompareRatio(0.75)

	h1, err := a.AllocBuffer(1000)
	require.NoError(t, err)
	a.Free(h1)

	// 700 < 1000*0.75 = 750, so this must allocate fresh.
	_, err = a.AllocBuffer(700)
	require.NoError(t, err)
	assert.Len(t, gpu.bufs, 2)
}

func TestWeightAllocator(t *testing.T) {
	gpu := &fakeGPU{}
	a := NewWeightAllocator(gpu)
	h, err := a.AllocBuffer(4096)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), h.Capacity)
}

func TestAllocImage(t *testing.T) {
	gpu := &fakeGPU{}
	a := NewBlobAllocator(gpu)
	h, err := a.AllocImage(64, 64, 1, driver.RGBA8un, TOptimal, driver.UShaderRead|driver.UShaderWrite)
	require.NoError(t, err)
	assert.Equal(t, 64, h.W)
	h.Release()
}
