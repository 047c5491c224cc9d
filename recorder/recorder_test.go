// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package recorder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vulkanfx/vkcore/alloc"
	"vulkanfx/vkcore/driver"
)

// fakeCmdBuffer records which methods were called, in order,
// without talking to any real GPU.
type fakeCmdBuffer struct {
	driver.CmdBuffer
	calls      []string
	barriers   []driver.Barrier
	transitions []driver.Transition
	dispatches [][3]int
	endErr     error
	resetErr   error
}

func (c *fakeCmdBuffer) Begin() error                { c.calls = append(c.calls, "Begin"); return nil }
func (c *fakeCmdBuffer) BeginWork(wait bool)          { c.calls = append(c.calls, "BeginWork") }
func (c *fakeCmdBuffer) EndWork()                     { c.calls = append(c.calls, "EndWork") }
func (c *fakeCmdBuffer) BeginBlit(wait bool)          { c.calls = append(c.calls, "BeginBlit") }
func (c *fakeCmdBuffer) EndBlit()                     { c.calls = append(c.calls, "EndBlit") }
func (c *fakeCmdBuffer) SetPipeline(driver.Pipeline)  { c.calls = append(c.calls, "SetPipeline") }
func (c *fakeCmdBuffer) SetDescTableComp(driver.DescTable, int, []int) {
	c.calls = append(c.calls, "SetDescTableComp")
}
func (c *fakeCmdBuffer) Dispatch(x, y, z int) {
	c.calls = append(c.calls, "Dispatch")
	c.dispatches = append(c.dispatches, [3]int{x, y, z})
}
func (c *fakeCmdBuffer) CopyBuffer(*driver.BufferCopy)     { c.calls = append(c.calls, "CopyBuffer") }
func (c *fakeCmdBuffer) CopyImage(*driver.ImageCopy)       { c.calls = append(c.calls, "CopyImage") }
func (c *fakeCmdBuffer) CopyBufToImg(*driver.BufImgCopy)   { c.calls = append(c.calls, "CopyBufToImg") }
func (c *fakeCmdBuffer) CopyImgToBuf(*driver.BufImgCopy)   { c.calls = append(c.calls, "CopyImgToBuf") }
func (c *fakeCmdBuffer) Fill(driver.Buffer, int64, byte, int64) { c.calls = append(c.calls, "Fill") }
func (c *fakeCmdBuffer) Barrier(b []driver.Barrier) {
	c.calls = append(c.calls, "Barrier")
	c.barriers = append(c.barriers, b...)
}
func (c *fakeCmdBuffer) Transition(t []driver.Transition) {
	c.calls = append(c.calls, "Transition")
	c.transitions = append(c.transitions, t...)
}
func (c *fakeCmdBuffer) End() error {
	c.calls = append(c.calls, "End")
	return c.endErr
}
func (c *fakeCmdBuffer) Reset() error {
	c.calls = append(c.calls, "Reset")
	return c.resetErr
}
func (c *fakeCmdBuffer) Destroy() {}

type fakeGPU struct {
	driver.GPU
	cb       *fakeCmdBuffer
	commitErr error
}

func (g *fakeGPU) NewCmdBuffer() (driver.CmdBuffer, error) { return g.cb, nil }
func (g *fakeGPU) Commit(cb []driver.CmdBuffer, ch chan<- error) {
	ch <- g.commitErr
}

type fakeQueues struct {
	acquired int
	released int
}

func (q *fakeQueues) AcquireQueue() int    { q.acquired++; return 0 }
func (q *fakeQueues) ReclaimQueue(int)     { q.released++ }

type fakeAllocator struct {
	alloc.Allocator
	bufs [][]byte
}

func (a *fakeAllocator) AllocBuffer(bytes int64) (*alloc.BufferHandle, error) {
	buf := make([]byte, bytes)
	a.bufs = append(a.bufs, buf)
	return &alloc.BufferHandle{Buf: &fakeBuffer{data: buf}, Capacity: bytes}, nil
}

type fakeBuffer struct {
	driver.Buffer
	data []byte
}

func (b *fakeBuffer) Visible() bool   { return true }
func (b *fakeBuffer) Bytes() []byte   { return b.data }
func (b *fakeBuffer) Cap() int64      { return int64(len(b.data)) }
func (b *fakeBuffer) Destroy()        {}

func newRecorder(t *testing.T) (*Recorder, *fakeCmdBuffer, *fakeGPU, *fakeQueues) {
	cb := &fakeCmdBuffer{}
	gpu := &fakeGPU{cb: cb}
	queues := &fakeQueues{}
	r, err := New(gpu, &fakeAllocator{}, queues)
	require.NoError(t, err)
	return r, cb, gpu, queues
}

func TestFirstRecordCallBeginsRecording(t *testing.T) {
	r, cb, _, _ := newRecorder(t)
	src, dst := &alloc.BufferHandle{Buf: &fakeBuffer{}}, &alloc.BufferHandle{Buf: &fakeBuffer{}}
	require.NoError(t, r.RecordClone(src, dst, 4))
	assert.Equal(t, recording, r.state)
	assert.Contains(t, cb.calls, "Begin")
}

func TestCloneThenCloneSameDestInsertsBarrier(t *testing.T) {
	r, cb, _, _ := newRecorder(t)
	src, dst := &alloc.BufferHandle{Buf: &fakeBuffer{}}, &alloc.BufferHandle{Buf: &fakeBuffer{}}
	require.NoError(t, r.RecordClone(src, dst, 4))
	require.NoError(t, r.RecordClone(src, dst, 4))
	assert.NotEmpty(t, cb.barriers, "a write followed by a write to the same handle must insert a barrier")
}

func TestFirstCloneInsertsNoBarrier(t *testing.T) {
	r, cb, _, _ := newRecorder(t)
	src, dst := &alloc.BufferHandle{Buf: &fakeBuffer{}}, &alloc.BufferHandle{Buf: &fakeBuffer{}}
	require.NoError(t, r.RecordClone(src, dst, 4))
	assert.Empty(t, cb.barriers, "the first use of a handle has no predecessor to wait on")
}

func TestPipelineDispatchRoundsUp(t *testing.T) {
	r, cb, _, _ := newRecorder(t)
	buf := &alloc.BufferHandle{Buf: &fakeBuffer{}}
	err := r.RecordPipeline(nil, PipelineBindings{BufWrites: []*alloc.BufferHandle{buf}},
		driver.Dim3D{Width: 17, Height: 8, Depth: 1}, [3]int{8, 8, 1})
	require.NoError(t, err)
	require.Len(t, cb.dispatches, 1)
	assert.Equal(t, [3]int{3, 1, 1}, cb.dispatches[0])
}

func TestPipelineRejectsZeroLocalSize(t *testing.T) {
	r, _, _, _ := newRecorder(t)
	err := r.RecordPipeline(nil, PipelineBindings{}, driver.Dim3D{Width: 1, Height: 1, Depth: 1}, [3]int{0, 1, 1})
	assert.Error(t, err)
	assert.Equal(t, failed, r.state)
}

func TestReadThenReadInsertsNoBarrier(t *testing.T) {
	r, cb, _, _ := newRecorder(t)
	buf := &alloc.BufferHandle{Buf: &fakeBuffer{}}
	require.NoError(t, r.RecordPipeline(nil, PipelineBindings{BufReads: []*alloc.BufferHandle{buf}},
		driver.Dim3D{Width: 1, Height: 1, Depth: 1}, [3]int{1, 1, 1}))
	require.NoError(t, r.RecordPipeline(nil, PipelineBindings{BufReads: []*alloc.BufferHandle{buf}},
		driver.Dim3D{Width: 1, Height: 1, Depth: 1}, [3]int{1, 1, 1}))
	assert.Empty(t, cb.barriers, "read-after-read needs no synchronization")
}

func TestWriteThenReadInsertsBarrier(t *testing.T) {
	r, cb, _, _ := newRecorder(t)
	buf := &alloc.BufferHandle{Buf: &fakeBuffer{}}
	require.NoError(t, r.RecordPipeline(nil, PipelineBindings{BufWrites: []*alloc.BufferHandle{buf}},
		driver.Dim3D{Width: 1, Height: 1, Depth: 1}, [3]int{1, 1, 1}))
	require.NoError(t, r.RecordPipeline(nil, PipelineBindings{BufReads: []*alloc.BufferHandle{buf}},
		driver.Dim3D{Width: 1, Height: 1, Depth: 1}, [3]int{1, 1, 1}))
	require.Len(t, cb.barriers, 1)
	assert.Equal(t, driver.AShaderWrite, cb.barriers[0].AccessBefore)
	assert.Equal(t, driver.AShaderRead, cb.barriers[0].AccessAfter)
}

func TestSubmitAndWaitAcquiresAndReleasesQueue(t *testing.T) {
	r, _, _, queues := newRecorder(t)
	buf := &alloc.BufferHandle{Buf: &fakeBuffer{}}
	require.NoError(t, r.RecordClone(buf, buf, 4))
	require.NoError(t, r.SubmitAndWait(time.Second))
	assert.Equal(t, done, r.state)
	assert.Equal(t, 1, queues.acquired)
	assert.Equal(t, 1, queues.released)
}

func TestSubmitAndWaitSurfacesCommitError(t *testing.T) {
	r, _, gpu, _ := newRecorder(t)
	gpu.commitErr = assert.AnError
	buf := &alloc.BufferHandle{Buf: &fakeBuffer{}}
	require.NoError(t, r.RecordClone(buf, buf, 4))
	err := r.SubmitAndWait(time.Second)
	assert.Error(t, err)
	assert.Equal(t, failed, r.state)
}

func TestStickyErrorShortCircuitsSubsequentOps(t *testing.T) {
	r, _, _, _ := newRecorder(t)
	r.fail(assert.AnError)
	buf := &alloc.BufferHandle{Buf: &fakeBuffer{}}
	err := r.RecordClone(buf, buf, 4)
	assert.Equal(t, assert.AnError, err)
}

func TestResetReturnsToOpenAndClearsHazards(t *testing.T) {
	r, cb, _, _ := newRecorder(t)
	buf := &alloc.BufferHandle{Buf: &fakeBuffer{}}
	require.NoError(t, r.RecordClone(buf, buf, 4))
	require.NoError(t, r.Reset())
	assert.Equal(t, open, r.state)
	assert.Empty(t, r.hazards)
	assert.Contains(t, cb.calls, "Reset")
}

func TestUploadStagesThroughAllocator(t *testing.T) {
	r, cb, _, _ := newRecorder(t)
	dst := &alloc.BufferHandle{Buf: &fakeBuffer{}}
	require.NoError(t, r.RecordUpload(dst, []byte{1, 2, 3, 4}))
	assert.Contains(t, cb.calls, "CopyBuffer")
	require.Len(t, r.transient, 1)
}

func TestDownloadDefersMemcpyUntilSubmit(t *testing.T) {
	r, _, _, _ := newRecorder(t)
	src := &alloc.BufferHandle{Buf: &fakeBuffer{data: []byte{9, 9, 9, 9}}}
	dst := make([]byte, 4)
	require.NoError(t, r.RecordDownload(src, dst))
	assert.Equal(t, []byte{0, 0, 0, 0}, dst, "memcpy must not happen before submit")
	require.NoError(t, r.SubmitAndWait(time.Second))
}
