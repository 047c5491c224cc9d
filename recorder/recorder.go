// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package recorder wraps a driver.CmdBuffer with the upload/
// download/clone/dispatch vocabulary the compute runtime needs,
// and automatically inserts the pipeline barriers and image
// layout transitions each recorded operation requires given
// what was last done to the same buffer or image.
//
// A Recorder is owned by a single goroutine and is never
// shared, matching the device registry's own queue pool and
// pipeline cache, which are the only state a Recorder touches
// that is actually shared.
package recorder

import (
	"errors"
	"time"

	"vulkanfx/vkcore"
	"vulkanfx/vkcore/alloc"
	"vulkanfx/vkcore/driver"
)

// state is the recorder's lifecycle, matching the teacher's own
// cbStatus enum in driver/vk/cmd.go, generalized to the single
// compute+blit surface this runtime exposes.
type state int

const (
	// open: command buffer allocated, Begin not yet called.
	open state = iota
	// recording: Begin succeeded, ops may be recorded.
	recording
	// submitted: SubmitAndWait is waiting on the fence.
	submitted
	// done: the submission completed successfully.
	done
	// failed: a recorded op or the submission itself failed;
	// the recorder is stuck here until Reset.
	failed
)

var (
	errNotOpen       = errors.New("recorder: not open for recording")
	errSubmitTimeout = errors.New("recorder: submission timed out")
)

// hazardState is the last recorded use of a handle: the access
// and pipeline stage it was used with, and, for images, the
// layout it was left in.
type hazardState struct {
	access driver.Access
	stage  driver.Sync
	layout driver.Layout
}

// QueuePool is the subset of *device.Device a Recorder needs to
// bound how many submissions may be in flight at once. Depending
// on this instead of a concrete *device.Device keeps the package
// free to fake the pool in tests.
type QueuePool interface {
	AcquireQueue() int
	ReclaimQueue(int)
}

// Recorder records upload, download, clone and pipeline-dispatch
// commands into a single driver.CmdBuffer, with automatic
// barrier insertion between operations that touch the same
// resource.
type Recorder struct {
	gpu     driver.GPU
	staging alloc.Allocator
	queues  QueuePool
	cb      driver.CmdBuffer

	state state
	err   error

	hazards map[any]hazardState
	views   map[*alloc.ImageHandle]driver.ImageView

	// transient holds staging buffers allocated for this
	// recording; they are released back to the staging cache on
	// Reset or Destroy.
	transient []*alloc.BufferHandle
	// pending holds post-submit CPU memcpys queued by
	// RecordDownload/RecordDownloadImage.
	pending []func() error

	bench benchState
}

// New creates a Recorder that dispatches to gpu, stages
// uploads/downloads through staging, and bounds concurrent
// submissions via queues. The returned Recorder starts in the
// open state; the first Record* call begins command recording.
func New(gpu driver.GPU, staging alloc.Allocator, queues QueuePool) (*Recorder, error) {
	cb, err := gpu.NewCmdBuffer()
	if err != nil {
		return nil, vkcore.New(vkcore.SubmitError, err)
	}
	return &Recorder{
		gpu:     gpu,
		staging: staging,
		queues:  queues,
		cb:      cb,
		hazards: map[any]hazardState{},
		views:   map[*alloc.ImageHandle]driver.ImageView{},
	}, nil
}

// ensureRecording begins command recording if this is the first
// call since New or Reset. It fails sticky (recording never
// blocks or panics on its own): once set, r.err short-circuits
// every subsequent Record* call until Reset clears it.
func (r *Recorder) ensureRecording() error {
	if r.err != nil {
		return r.err
	}
	switch r.state {
	case open:
		if err := r.cb.Begin(); err != nil {
			r.fail(vkcore.New(vkcore.SubmitError, err))
			return r.err
		}
		r.state = recording
	case recording:
	default:
		r.fail(vkcore.New(vkcore.SubmitError, errNotOpen))
		return r.err
	}
	return nil
}

func (r *Recorder) fail(err error) {
	r.err = err
	r.state = failed
}

func isWrite(a driver.Access) bool {
	return a&(driver.AShaderWrite|driver.ACopyWrite|driver.AAnyWrite) != 0
}

// sync applies the automatic-barrier-insertion rule: a prior
// write must be waited on by anything that follows it, and a
// write must wait on any prior read (WAR), with an image layout
// transition folded into the same barrier when the layout
// changes. It then records access/stage/layout as h's new
// hazard state.
func (r *Recorder) sync(h any, access driver.Access, stage driver.Sync, layout driver.Layout, view driver.ImageView) {
	prev, tracked := r.hazards[h]
	layoutChange := view != nil && (!tracked || prev.layout != layout)

	switch {
	case tracked && (isWrite(prev.access) || isWrite(access)):
		r.barrier(prev, access, stage, layout, view, layoutChange)
	case layoutChange && tracked:
		r.barrier(prev, access, stage, layout, view, layoutChange)
	case layoutChange:
		// First use of a freshly allocated image: transition out
		// of LUndefined with no real predecessor to wait on.
		r.barrier(hazardState{layout: driver.LUndefined}, access, stage, layout, view, true)
	}

	r.hazards[h] = hazardState{access: access, stage: stage, layout: layout}
}

func (r *Recorder) barrier(prev hazardState, access driver.Access, stage driver.Sync, layout driver.Layout, view driver.ImageView, layoutChange bool) {
	b := driver.Barrier{
		SyncBefore:   prev.stage,
		SyncAfter:    stage,
		AccessBefore: prev.access,
		AccessAfter:  access,
	}
	if layoutChange {
		r.cb.Transition([]driver.Transition{{
			Barrier:      b,
			LayoutBefore: prev.layout,
			LayoutAfter:  layout,
			IView:        view,
		}})
		return
	}
	r.cb.Barrier([]driver.Barrier{b})
}

// fullView returns a cached whole-resource view of ih, creating
// one on first use.
func (r *Recorder) fullView(ih *alloc.ImageHandle) (driver.ImageView, error) {
	if v, ok := r.views[ih]; ok {
		return v, nil
	}
	vt := driver.IView2D
	if ih.D > 1 {
		vt = driver.IView3D
	}
	v, err := ih.Img.NewView(vt, 0, 1, 0, 1)
	if err != nil {
		return nil, vkcore.New(vkcore.SubmitError, err)
	}
	r.views[ih] = v
	return v, nil
}

// RecordUpload stages src through a host-visible buffer and
// copies it into dst.
func (r *Recorder) RecordUpload(dst *alloc.BufferHandle, src []byte) error {
	if err := r.ensureRecording(); err != nil {
		return err
	}
	stage, err := r.staging.AllocBuffer(int64(len(src)))
	if err != nil {
		r.fail(err)
		return r.err
	}
	copy(stage.Mapped(), src)
	r.transient = append(r.transient, stage)

	r.cb.BeginBlit(false)
	r.sync(dst, driver.ACopyWrite, driver.SCopy, driver.LUndefined, nil)
	r.cb.CopyBuffer(&driver.BufferCopy{From: stage.Buf, FromOff: stage.Offset, To: dst.Buf, ToOff: dst.Offset, Size: int64(len(src))})
	r.cb.EndBlit()
	return nil
}

// RecordUploadImage stages src through a host-visible buffer and
// copies it into dst, transitioning dst to LCopyDst first.
func (r *Recorder) RecordUploadImage(dst *alloc.ImageHandle, src []byte, stride [2]int64) error {
	if err := r.ensureRecording(); err != nil {
		return err
	}
	stage, err := r.staging.AllocBuffer(int64(len(src)))
	if err != nil {
		r.fail(err)
		return r.err
	}
	copy(stage.Mapped(), src)
	r.transient = append(r.transient, stage)

	view, err := r.fullView(dst)
	if err != nil {
		r.fail(err)
		return r.err
	}

	r.cb.BeginBlit(false)
	r.sync(dst, driver.ACopyWrite, driver.SCopy, driver.LCopyDst, view)
	r.cb.CopyBufToImg(&driver.BufImgCopy{
		Buf: stage.Buf, BufOff: stage.Offset, Stride: stride,
		Img: dst.Img, Size: driver.Dim3D{Width: dst.W, Height: dst.H, Depth: dst.D},
	})
	r.cb.EndBlit()
	dst.Layout = driver.LCopyDst
	return nil
}

// RecordDownload copies src into a host-visible staging buffer
// and defers a memcpy of its contents into dst until after the
// next SubmitAndWait completes.
func (r *Recorder) RecordDownload(src *alloc.BufferHandle, dst []byte) error {
	if err := r.ensureRecording(); err != nil {
		return err
	}
	stage, err := r.staging.AllocBuffer(int64(len(dst)))
	if err != nil {
		r.fail(err)
		return r.err
	}
	r.transient = append(r.transient, stage)

	r.cb.BeginBlit(false)
	r.sync(src, driver.ACopyRead, driver.SCopy, driver.LUndefined, nil)
	r.cb.CopyBuffer(&driver.BufferCopy{From: src.Buf, FromOff: src.Offset, To: stage.Buf, ToOff: stage.Offset, Size: int64(len(dst))})
	r.cb.EndBlit()

	r.pending = append(r.pending, func() error {
		copy(dst, stage.Mapped()[:len(dst)])
		return nil
	})
	return nil
}

// RecordDownloadImage copies src into a host-visible staging
// buffer and defers a memcpy into dst until after the next
// SubmitAndWait completes.
func (r *Recorder) RecordDownloadImage(src *alloc.ImageHandle, dst []byte, stride [2]int64) error {
	if err := r.ensureRecording(); err != nil {
		return err
	}
	stage, err := r.staging.AllocBuffer(int64(len(dst)))
	if err != nil {
		r.fail(err)
		return r.err
	}
	r.transient = append(r.transient, stage)

	view, err := r.fullView(src)
	if err != nil {
		r.fail(err)
		return r.err
	}

	r.cb.BeginBlit(false)
	r.sync(src, driver.ACopyRead, driver.SCopy, driver.LCopySrc, view)
	r.cb.CopyImgToBuf(&driver.BufImgCopy{
		Buf: stage.Buf, BufOff: stage.Offset, Stride: stride,
		Img: src.Img, Size: driver.Dim3D{Width: src.W, Height: src.H, Depth: src.D},
	})
	r.cb.EndBlit()
	src.Layout = driver.LCopySrc

	r.pending = append(r.pending, func() error {
		copy(dst, stage.Mapped()[:len(dst)])
		return nil
	})
	return nil
}

// RecordClone copies size bytes from src to dst directly,
// without a conversion dispatch. Use the packing package's
// kernels through RecordPipeline when src and dst differ in
// element packing or type.
func (r *Recorder) RecordClone(src, dst *alloc.BufferHandle, size int64) error {
	if err := r.ensureRecording(); err != nil {
		return err
	}
	r.cb.BeginBlit(false)
	r.sync(src, driver.ACopyRead, driver.SCopy, driver.LUndefined, nil)
	r.sync(dst, driver.ACopyWrite, driver.SCopy, driver.LUndefined, nil)
	r.cb.CopyBuffer(&driver.BufferCopy{From: src.Buf, FromOff: src.Offset, To: dst.Buf, ToOff: dst.Offset, Size: size})
	r.cb.EndBlit()
	return nil
}

// RecordBufferToImage copies buf into img, transitioning img to
// LCopyDst first.
func (r *Recorder) RecordBufferToImage(buf *alloc.BufferHandle, bufOff int64, stride [2]int64, img *alloc.ImageHandle) error {
	if err := r.ensureRecording(); err != nil {
		return err
	}
	view, err := r.fullView(img)
	if err != nil {
		r.fail(err)
		return r.err
	}
	r.cb.BeginBlit(false)
	r.sync(buf, driver.ACopyRead, driver.SCopy, driver.LUndefined, nil)
	r.sync(img, driver.ACopyWrite, driver.SCopy, driver.LCopyDst, view)
	r.cb.CopyBufToImg(&driver.BufImgCopy{
		Buf: buf.Buf, BufOff: buf.Offset + bufOff, Stride: stride,
		Img: img.Img, Size: driver.Dim3D{Width: img.W, Height: img.H, Depth: img.D},
	})
	r.cb.EndBlit()
	img.Layout = driver.LCopyDst
	return nil
}

// RecordImageToBuffer copies img into buf, transitioning img to
// LCopySrc first.
func (r *Recorder) RecordImageToBuffer(img *alloc.ImageHandle, buf *alloc.BufferHandle, bufOff int64, stride [2]int64) error {
	if err := r.ensureRecording(); err != nil {
		return err
	}
	view, err := r.fullView(img)
	if err != nil {
		r.fail(err)
		return r.err
	}
	r.cb.BeginBlit(false)
	r.sync(img, driver.ACopyRead, driver.SCopy, driver.LCopySrc, view)
	r.sync(buf, driver.ACopyWrite, driver.SCopy, driver.LUndefined, nil)
	r.cb.CopyImgToBuf(&driver.BufImgCopy{
		Buf: buf.Buf, BufOff: buf.Offset + bufOff, Stride: stride,
		Img: img.Img, Size: driver.Dim3D{Width: img.W, Height: img.H, Depth: img.D},
	})
	r.cb.EndBlit()
	img.Layout = driver.LCopySrc
	return nil
}

// PipelineBindings groups the resources a dispatch reads and
// writes, so RecordPipeline can apply the right barrier to each.
type PipelineBindings struct {
	BufReads, BufWrites     []*alloc.BufferHandle
	ImageReads, ImageWrites []*alloc.ImageHandle
	Table                   driver.DescTable
}

// RecordPipeline binds pl and the descriptor table in b, applies
// the barriers implied by b's read/write sets, and dispatches
// ceil(global/local) workgroups.
func (r *Recorder) RecordPipeline(pl driver.Pipeline, b PipelineBindings, global driver.Dim3D, local [3]int) error {
	if err := r.ensureRecording(); err != nil {
		return err
	}
	if local[0] <= 0 || local[1] <= 0 || local[2] <= 0 {
		r.fail(vkcore.New(vkcore.ShapeMismatch, errors.New("recorder: zero local workgroup size")))
		return r.err
	}

	r.cb.BeginWork(false)
	for _, buf := range b.BufReads {
		r.sync(buf, driver.AShaderRead, driver.SComputeShading, driver.LUndefined, nil)
	}
	for _, buf := range b.BufWrites {
		r.sync(buf, driver.AShaderWrite, driver.SComputeShading, driver.LUndefined, nil)
	}
	for _, img := range b.ImageReads {
		view, err := r.fullView(img)
		if err != nil {
			r.fail(err)
			return r.err
		}
		r.sync(img, driver.AShaderRead, driver.SComputeShading, driver.LShaderRead, view)
		img.Layout = driver.LShaderRead
	}
	for _, img := range b.ImageWrites {
		view, err := r.fullView(img)
		if err != nil {
			r.fail(err)
			return r.err
		}
		r.sync(img, driver.AShaderWrite, driver.SComputeShading, driver.LShaderStore, view)
		img.Layout = driver.LShaderStore
	}

	r.cb.SetPipeline(pl)
	if b.Table != nil {
		r.cb.SetDescTableComp(b.Table, 0, []int{0})
	}

	gx := (global.Width + local[0] - 1) / local[0]
	gy := (global.Height + local[1] - 1) / local[1]
	gz := (global.Depth + local[2] - 1) / local[2]
	r.cb.Dispatch(gx, gy, gz)
	r.cb.EndWork()
	return nil
}

// SubmitAndWait ends recording, submits to a queue acquired from
// the device's pool, waits up to timeout for completion, runs
// deferred download memcpys and leaves the recorder in the done
// state. A prior sticky error, a submit failure or a timed-out
// fence wait all surface here, leaving the recorder failed and
// requiring Reset before reuse. The already-submitted work may
// still complete on the GPU after a timeout; the next Reset
// still reclaims its resources.
func (r *Recorder) SubmitAndWait(timeout time.Duration) error {
	if r.err != nil {
		return r.err
	}
	if r.state != recording && r.state != open {
		r.fail(vkcore.New(vkcore.SubmitError, errNotOpen))
		return r.err
	}
	if err := r.cb.End(); err != nil {
		r.fail(vkcore.New(vkcore.SubmitError, err))
		return r.err
	}

	slot := r.queues.AcquireQueue()
	defer r.queues.ReclaimQueue(slot)

	r.state = submitted
	ch := make(chan error, 1)
	r.gpu.Commit([]driver.CmdBuffer{r.cb}, ch)
	select {
	case err := <-ch:
		if err != nil {
			r.fail(vkcore.New(vkcore.SubmitError, err))
			return r.err
		}
	case <-time.After(timeout):
		r.fail(vkcore.New(vkcore.Timeout, errSubmitTimeout))
		return r.err
	}

	for _, fn := range r.pending {
		if err := fn(); err != nil {
			r.fail(err)
			return r.err
		}
	}
	r.state = done
	return nil
}

// Reset discards recorded commands and returns the recorder to
// the open state, releasing transient staging buffers back to
// the staging allocator's cache.
func (r *Recorder) Reset() error {
	if err := r.cb.Reset(); err != nil {
		return vkcore.New(vkcore.SubmitError, err)
	}
	for _, h := range r.transient {
		h.Release()
	}
	r.transient = nil
	r.pending = nil
	r.hazards = map[any]hazardState{}
	r.err = nil
	r.state = open
	return nil
}

// Destroy releases the recorder's command buffer, cached image
// views and any still-outstanding transient staging buffers. The
// recorder must not be used afterward.
func (r *Recorder) Destroy() {
	for _, v := range r.views {
		v.Destroy()
	}
	for _, h := range r.transient {
		h.Release()
	}
	r.cb.Destroy()
}
