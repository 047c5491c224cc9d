// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package operator

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vulkanfx/vkcore/alloc"
	"vulkanfx/vkcore/driver"
	"vulkanfx/vkcore/mat"
	"vulkanfx/vkcore/pipelinecache"
)

// minimalSPIRV returns a header-only module with no bindings,
// sufficient for CompileGLSL's validation and ReflectSPIRV's
// empty-binding-list path.
func minimalSPIRV() []byte {
	words := []uint32{0x07230203, 0x00010300, 0, 5, 0}
	b := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	return b
}

type fakeHeap struct {
	driver.DescHeap
	sets []string
}

func (h *fakeHeap) New(int) error { return nil }
func (h *fakeHeap) SetBuffer(cpy, nr, start int, buf []driver.Buffer, off, size []int64) {
	h.sets = append(h.sets, "buffer")
}
func (h *fakeHeap) SetImage(cpy, nr, start int, iv []driver.ImageView) { h.sets = append(h.sets, "image") }
func (h *fakeHeap) SetSampler(cpy, nr, start int, s []driver.Sampler)  {}
func (h *fakeHeap) Count() int                                         { return 1 }
func (h *fakeHeap) Destroy()                                            {}

type fakeTable struct{ driver.DescTable }

func (fakeTable) Destroy() {}

type fakePipeline struct{ driver.Pipeline }

func (fakePipeline) Destroy() {}

type fakeShaderCode struct{ driver.ShaderCode }

func (fakeShaderCode) Destroy() {}

type fakeCmdBuffer struct{ driver.CmdBuffer }

func (*fakeCmdBuffer) Begin() error                     { return nil }
func (*fakeCmdBuffer) BeginWork(bool)                   {}
func (*fakeCmdBuffer) EndWork()                         {}
func (*fakeCmdBuffer) BeginBlit(bool)                   {}
func (*fakeCmdBuffer) EndBlit()                          {}
func (*fakeCmdBuffer) SetPipeline(driver.Pipeline)      {}
func (*fakeCmdBuffer) SetDescTableComp(driver.DescTable, int, []int) {}
func (*fakeCmdBuffer) Dispatch(x, y, z int)             {}
func (*fakeCmdBuffer) CopyBuffer(*driver.BufferCopy)    {}
func (*fakeCmdBuffer) CopyImage(*driver.ImageCopy)      {}
func (*fakeCmdBuffer) CopyBufToImg(*driver.BufImgCopy)  {}
func (*fakeCmdBuffer) CopyImgToBuf(*driver.BufImgCopy)  {}
func (*fakeCmdBuffer) Fill(driver.Buffer, int64, byte, int64) {}
func (*fakeCmdBuffer) Barrier([]driver.Barrier)         {}
func (*fakeCmdBuffer) Transition([]driver.Transition)   {}
func (*fakeCmdBuffer) End() error                       { return nil }
func (*fakeCmdBuffer) Reset() error                     { return nil }
func (*fakeCmdBuffer) Destroy()                         {}

type fakeGPU struct {
	driver.GPU
	lim driver.Limits
}

func (g *fakeGPU) Limits() driver.Limits                       { return g.lim }
func (g *fakeGPU) NewCmdBuffer() (driver.CmdBuffer, error)      { return &fakeCmdBuffer{}, nil }
func (g *fakeGPU) Commit(cb []driver.CmdBuffer, ch chan<- error) { ch <- nil }
func (g *fakeGPU) NewShaderCode(data []byte) (driver.ShaderCode, error) { return fakeShaderCode{}, nil }
func (g *fakeGPU) NewDescHeap(ds []driver.Descriptor) (driver.DescHeap, error) { return &fakeHeap{}, nil }
func (g *fakeGPU) NewDescTable(dh []driver.DescHeap) (driver.DescTable, error) { return fakeTable{}, nil }
func (g *fakeGPU) NewPipeline(cs *driver.CompState) (driver.Pipeline, error)   { return fakePipeline{}, nil }

type fakeQueues struct{}

func (fakeQueues) AcquireQueue() int  { return 0 }
func (fakeQueues) ReclaimQueue(int)   {}

type fakeAllocator struct{ alloc.Allocator }

func (fakeAllocator) AllocBuffer(bytes int64) (*alloc.BufferHandle, error) {
	return &alloc.BufferHandle{Buf: &fakeBuffer{data: make([]byte, bytes)}, Capacity: bytes}, nil
}

type fakeBuffer struct {
	driver.Buffer
	data []byte
}

func (b *fakeBuffer) Visible() bool { return true }
func (b *fakeBuffer) Bytes() []byte { return b.data }
func (b *fakeBuffer) Cap() int64    { return int64(len(b.data)) }
func (b *fakeBuffer) Destroy()      {}

func newTestGPU() *fakeGPU {
	return &fakeGPU{lim: driver.Limits{MaxWorkgrpSize: [3]int{1024, 1024, 64}, MaxWorkgrpInvoc: 1024}}
}

func newCPUMat(t *testing.T, n int) *mat.Mat {
	m := &mat.Mat{}
	require.NoError(t, m.Create(1, n, 1, 1, mat.F32, 1, nil))
	return m
}

func TestColorInvertRunsEndToEnd(t *testing.T) {
	gpu := newTestGPU()
	cache := pipelinecache.New(gpu)
	source := func(string) ([]byte, error) { return minimalSPIRV(), nil }
	op, err := NewColorInvert(gpu, fakeAllocator{}, cache, fakeQueues{}, nil, source)
	require.NoError(t, err)
	defer op.Destroy()

	src, dst := newCPUMat(t, 4), newCPUMat(t, 4)
	elapsed, err := op.Run(context.Background(), src, dst)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 0.0)
}

func TestExposureEncodesBrightnessParam(t *testing.T) {
	gpu := newTestGPU()
	cache := pipelinecache.New(gpu)
	source := func(string) ([]byte, error) { return minimalSPIRV(), nil }
	op, err := NewExposure(gpu, fakeAllocator{}, cache, fakeQueues{}, nil, source)
	require.NoError(t, err)
	defer op.Destroy()

	src, dst := newCPUMat(t, 4), newCPUMat(t, 4)
	_, err = op.Run(context.Background(), src, dst, 1.5)
	require.NoError(t, err)
}

func TestFadeTakesTwoInputs(t *testing.T) {
	gpu := newTestGPU()
	cache := pipelinecache.New(gpu)
	source := func(string) ([]byte, error) { return minimalSPIRV(), nil }
	op, err := NewFade(gpu, fakeAllocator{}, cache, fakeQueues{}, nil, source)
	require.NoError(t, err)
	defer op.Destroy()

	src1, src2, dst := newCPUMat(t, 4), newCPUMat(t, 4), newCPUMat(t, 4)
	_, err = op.Run(context.Background(), src1, src2, dst, 0.5)
	require.NoError(t, err)
}

func TestRunRejectsWrongInputCount(t *testing.T) {
	gpu := newTestGPU()
	cache := pipelinecache.New(gpu)
	source := func(string) ([]byte, error) { return minimalSPIRV(), nil }
	c, err := NewCore(gpu, fakeAllocator{}, cache, fakeQueues{}, nil, source, "operator_color_invert", localSize, 1)
	require.NoError(t, err)
	defer c.Destroy()

	dst := newCPUMat(t, 4)
	_, err = c.Run(context.Background(), nil, dst, nil)
	assert.Error(t, err)
}

func TestRunReturnsNaNOnCanceledContext(t *testing.T) {
	gpu := newTestGPU()
	cache := pipelinecache.New(gpu)
	source := func(string) ([]byte, error) { return minimalSPIRV(), nil }
	c, err := NewCore(gpu, fakeAllocator{}, cache, fakeQueues{}, nil, source, "operator_color_invert", localSize, 1)
	require.NoError(t, err)
	defer c.Destroy()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src, dst := newCPUMat(t, 4), newCPUMat(t, 4)
	elapsed, err := c.Run(ctx, []*mat.Mat{src}, dst, nil)
	assert.Error(t, err)
	assert.True(t, elapsed != elapsed, "NaN must not equal itself")
}
