// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	vk "github.com/goki/vulkan"

	"vulkanfx/vkcore/driver"
)

// cmdBuffer implements driver.CmdBuffer.
type cmdBuffer struct {
	d      *Driver
	pool   vk.CommandPool
	cb     vk.CommandBuffer
	status cbStatus
	err    error // Why cbFailed.
}

// cbStatus represents the status of the
// command buffer at a given time.
type cbStatus int

// cbStatus constants.
const (
	// Yet to begin.
	// Set after creation, committing and
	// resetting.
	cbIdle cbStatus = iota
	// Ready to record commands.
	// Set after a successful call to Begin.
	cbBegun
	// Ready to be committed.
	// Set after a successful call to End.
	cbEnded
	// Ongoing commit.
	// Set during a call to Commit.
	cbCommitted
	// Command recording failed.
	// Set when a command cannot be recorded.
	cbFailed
)

// NewCmdBuffer creates a new command buffer.
// Its pool is allocated from d.qfam, the single queue family
// that this driver uses for compute dispatch and data transfer.
func (d *Driver) NewCmdBuffer() (driver.CmdBuffer, error) {
	poolInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
		QueueFamilyIndex: d.qfam,
	}
	var pool vk.CommandPool
	if err := checkResult(vk.CreateCommandPool(d.dev, &poolInfo, nil, &pool)); err != nil {
		return nil, err
	}
	cbInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	cbs := make([]vk.CommandBuffer, 1)
	if err := checkResult(vk.AllocateCommandBuffers(d.dev, &cbInfo, cbs)); err != nil {
		vk.DestroyCommandPool(d.dev, pool, nil)
		return nil, err
	}
	return &cmdBuffer{d: d, pool: pool, cb: cbs[0]}, nil
}

// Begin prepares the command buffer for recording.
func (cb *cmdBuffer) Begin() error {
	switch cb.status {
	case cbIdle:
		info := vk.CommandBufferBeginInfo{
			SType: vk.StructureTypeCommandBufferBeginInfo,
			Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
		}
		if err := checkResult(vk.BeginCommandBuffer(cb.cb, &info)); err != nil {
			return err
		}
		cb.status = cbBegun
		return nil
	case cbBegun, cbFailed:
		// Note that cbFailed is handled on End.
		return nil
	}
	// Client error.
	panic("invalid call to CmdBuffer.Begin")
}

// End ends command recording and prepares the command buffer for execution.
func (cb *cmdBuffer) End() error {
	switch cb.status {
	case cbBegun:
		if err := checkResult(vk.EndCommandBuffer(cb.cb)); err != nil {
			// Calling Begin implicitly resets cb.cb.
			cb.status = cbIdle
			return err
		}
		cb.status = cbEnded
		return nil
	case cbEnded:
		return nil
	case cbFailed:
		vk.EndCommandBuffer(cb.cb)
		vk.ResetCommandBuffer(cb.cb, 0)
		cb.status = cbIdle
		if cb.err == nil {
			panic("unexpected nil error in failed command recording")
		}
		return cb.err
	}
	// Client error.
	panic("invalid call to CmdBuffer.End")
}

// Reset discards all recorded commands from the command buffer.
func (cb *cmdBuffer) Reset() error {
	switch cb.status {
	case cbCommitted:
		// Client error.
		panic("invalid call to CmdBuffer.Reset")
	case cbBegun, cbFailed:
		// Need to end recording before resetting.
		vk.EndCommandBuffer(cb.cb)
		fallthrough
	default:
		// In case of failure here, we can rely on the implicit
		// reset done during Begin.
		cb.status = cbIdle
		if err := checkResult(vk.ResetCommandBuffer(cb.cb, 0)); err != nil {
			return err
		}
		return nil
	}
}

// fullBarrier inserts a barrier that waits on every previously
// recorded command and makes every memory access it performed
// visible to whatever follows.
func (cb *cmdBuffer) fullBarrier() {
	mb := vk.MemoryBarrier{
		SType:         vk.StructureTypeMemoryBarrier,
		SrcAccessMask: vk.AccessFlags(vk.AccessMemoryReadBit) | vk.AccessFlags(vk.AccessMemoryWriteBit),
		DstAccessMask: vk.AccessFlags(vk.AccessMemoryReadBit) | vk.AccessFlags(vk.AccessMemoryWriteBit),
	}
	all := vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
	vk.CmdPipelineBarrier(cb.cb, all, all, vk.DependencyFlags(0), 1, []vk.MemoryBarrier{mb}, 0, nil, 0, nil)
}

// BeginWork begins compute work.
func (cb *cmdBuffer) BeginWork(wait bool) {
	if wait {
		cb.fullBarrier()
	}
}

// EndWork ends the current compute work.
// There is nothing to record: the next Barrier, Transition or
// BeginWork/BeginBlit call establishes whatever ordering the
// commands that follow require.
func (cb *cmdBuffer) EndWork() {}

// BeginBlit begins data transfer.
func (cb *cmdBuffer) BeginBlit(wait bool) {
	if wait {
		cb.fullBarrier()
	}
}

// EndBlit ends the current data transfer.
func (cb *cmdBuffer) EndBlit() {}

// SetPipeline sets the compute pipeline.
func (cb *cmdBuffer) SetPipeline(pl driver.Pipeline) {
	vk.CmdBindPipeline(cb.cb, vk.PipelineBindPointCompute, pl.(*pipeline).pl)
}

// SetDescTableComp sets a descriptor table range for the bound
// compute pipeline.
func (cb *cmdBuffer) SetDescTableComp(table driver.DescTable, start int, heapCopy []int) {
	desc := table.(*descTable)
	ncpy := len(heapCopy)
	if ncpy == 0 {
		return
	}
	sets := make([]vk.DescriptorSet, ncpy)
	for i := range sets {
		sets[i] = desc.h[start+i].sets[heapCopy[i]]
	}
	vk.CmdBindDescriptorSets(cb.cb, vk.PipelineBindPointCompute, desc.layout, uint32(start), uint32(ncpy), sets, 0, nil)
}

// Dispatch dispatches compute thread groups.
func (cb *cmdBuffer) Dispatch(grpCountX, grpCountY, grpCountZ int) {
	vk.CmdDispatch(cb.cb, uint32(grpCountX), uint32(grpCountY), uint32(grpCountZ))
}

// CopyBuffer copies data between buffers.
func (cb *cmdBuffer) CopyBuffer(param *driver.BufferCopy) {
	cpy := vk.BufferCopy{
		SrcOffset: vk.DeviceSize(param.FromOff),
		DstOffset: vk.DeviceSize(param.ToOff),
		Size:      vk.DeviceSize(param.Size),
	}
	vk.CmdCopyBuffer(cb.cb, param.From.(*buffer).buf, param.To.(*buffer).buf, 1, []vk.BufferCopy{cpy})
}

// CopyImage copies data between images.
// Both images are kept in the general layout at all times, so no
// layout argument is required here.
func (cb *cmdBuffer) CopyImage(param *driver.ImageCopy) {
	from := param.From.(*image)
	to := param.To.(*image)
	cpy := vk.ImageCopy{
		SrcSubresource: vk.ImageSubresourceLayers{
			AspectMask:     from.subres.AspectMask,
			MipLevel:       uint32(param.FromLevel),
			BaseArrayLayer: uint32(param.FromLayer),
			LayerCount:     uint32(param.Layers),
		},
		SrcOffset: vk.Offset3D{X: int32(param.FromOff.X), Y: int32(param.FromOff.Y), Z: int32(param.FromOff.Z)},
		DstSubresource: vk.ImageSubresourceLayers{
			AspectMask:     to.subres.AspectMask,
			MipLevel:       uint32(param.ToLevel),
			BaseArrayLayer: uint32(param.ToLayer),
			LayerCount:     uint32(param.Layers),
		},
		DstOffset: vk.Offset3D{X: int32(param.ToOff.X), Y: int32(param.ToOff.Y), Z: int32(param.ToOff.Z)},
		Extent: vk.Extent3D{
			Width:  uint32(param.Size.Width),
			Height: uint32(param.Size.Height),
			Depth:  uint32(param.Size.Depth),
		},
	}
	vk.CmdCopyImage(cb.cb, from.img, vk.ImageLayoutGeneral, to.img, vk.ImageLayoutGeneral, 1, []vk.ImageCopy{cpy})
}

// CopyBufToImg copies data from a buffer to an image.
func (cb *cmdBuffer) CopyBufToImg(param *driver.BufImgCopy) {
	buf := param.Buf.(*buffer)
	img := param.Img.(*image)
	cpy := vk.BufferImageCopy{
		BufferOffset:      vk.DeviceSize(param.BufOff),
		BufferRowLength:   uint32(param.Stride[0]),
		BufferImageHeight: uint32(param.Stride[1]),
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     img.subres.AspectMask,
			MipLevel:       uint32(param.Level),
			BaseArrayLayer: uint32(param.Layer),
			LayerCount:     1,
		},
		ImageOffset: vk.Offset3D{X: int32(param.ImgOff.X), Y: int32(param.ImgOff.Y), Z: int32(param.ImgOff.Z)},
		ImageExtent: vk.Extent3D{
			Width:  uint32(param.Size.Width),
			Height: uint32(param.Size.Height),
			Depth:  uint32(param.Size.Depth),
		},
	}
	vk.CmdCopyBufferToImage(cb.cb, buf.buf, img.img, vk.ImageLayoutGeneral, 1, []vk.BufferImageCopy{cpy})
}

// CopyImgToBuf copies data from an image to a buffer.
func (cb *cmdBuffer) CopyImgToBuf(param *driver.BufImgCopy) {
	img := param.Img.(*image)
	buf := param.Buf.(*buffer)
	cpy := vk.BufferImageCopy{
		BufferOffset:      vk.DeviceSize(param.BufOff),
		BufferRowLength:   uint32(param.Stride[0]),
		BufferImageHeight: uint32(param.Stride[1]),
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     img.subres.AspectMask,
			MipLevel:       uint32(param.Level),
			BaseArrayLayer: uint32(param.Layer),
			LayerCount:     1,
		},
		ImageOffset: vk.Offset3D{X: int32(param.ImgOff.X), Y: int32(param.ImgOff.Y), Z: int32(param.ImgOff.Z)},
		ImageExtent: vk.Extent3D{
			Width:  uint32(param.Size.Width),
			Height: uint32(param.Size.Height),
			Depth:  uint32(param.Size.Depth),
		},
	}
	vk.CmdCopyImageToBuffer(cb.cb, img.img, vk.ImageLayoutGeneral, buf.buf, 1, []vk.BufferImageCopy{cpy})
}

// Fill fills a buffer range with copies of a byte value.
func (cb *cmdBuffer) Fill(buf driver.Buffer, off int64, value byte, size int64) {
	v := uint32(value)
	v |= v<<24 | v<<16 | v<<8
	vk.CmdFillBuffer(cb.cb, buf.(*buffer).buf, vk.DeviceSize(off), vk.DeviceSize(size), v)
}

// Barrier inserts a number of global barriers in the command buffer.
func (cb *cmdBuffer) Barrier(b []driver.Barrier) {
	for i := range b {
		mb := vk.MemoryBarrier{
			SType:         vk.StructureTypeMemoryBarrier,
			SrcAccessMask: convAccess(b[i].AccessBefore),
			DstAccessMask: convAccess(b[i].AccessAfter),
		}
		src := convSync(b[i].SyncBefore)
		dst := convSync(b[i].SyncAfter)
		vk.CmdPipelineBarrier(cb.cb, src, dst, vk.DependencyFlags(0), 1, []vk.MemoryBarrier{mb}, 0, nil, 0, nil)
	}
}

// Transition inserts a number of image layout transitions in the
// command buffer.
func (cb *cmdBuffer) Transition(t []driver.Transition) {
	for i := range t {
		view := t[i].IView.(*imageView)
		ib := vk.ImageMemoryBarrier{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       convAccess(t[i].AccessBefore),
			DstAccessMask:       convAccess(t[i].AccessAfter),
			OldLayout:           convLayout(t[i].LayoutBefore),
			NewLayout:           convLayout(t[i].LayoutAfter),
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               view.i.img,
			SubresourceRange:    view.subres,
		}
		src := convSync(t[i].SyncBefore)
		dst := convSync(t[i].SyncAfter)
		vk.CmdPipelineBarrier(cb.cb, src, dst, vk.DependencyFlags(0), 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{ib})
	}
}

// transition is a convenience wrapper around Transition used to move
// a freshly created image into newLayout, bypassing the driver.ImageView
// indirection that client code would otherwise need to set up first.
func (cb *cmdBuffer) transition(im *image, newLayout vk.ImageLayout, srcStage, dstStage vk.PipelineStageFlagBits, srcAccess, dstAccess vk.AccessFlagBits) {
	ib := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       vk.AccessFlags(srcAccess),
		DstAccessMask:       vk.AccessFlags(dstAccess),
		OldLayout:           im.layout,
		NewLayout:           newLayout,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               im.img,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: im.subres.AspectMask,
			LevelCount: im.subres.LevelCount,
			LayerCount: im.subres.LayerCount,
		},
	}
	vk.CmdPipelineBarrier(cb.cb, vk.PipelineStageFlags(srcStage), vk.PipelineStageFlags(dstStage), vk.DependencyFlags(0), 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{ib})
}

// Destroy destroys the command buffer.
func (cb *cmdBuffer) Destroy() {
	if cb == nil {
		return
	}
	if cb.d != nil {
		vk.QueueWaitIdle(cb.d.ques[cb.d.qfam])
		vk.DestroyCommandPool(cb.d.dev, cb.pool, nil)
	}
	*cb = cmdBuffer{}
}

// commitInfo contains common data structures used during
// a call to the Driver.Commit method.
// It is only safe to reuse these data after the Commit
// call returns.
type commitInfo struct {
	subInfo [1]vk.SubmitInfo
	cbInfo  []vk.CommandBuffer
}

// newCommitInfo creates new commitInfo data.
func (d *Driver) newCommitInfo() (*commitInfo, error) {
	const n = 4
	return &commitInfo{
		cbInfo: make([]vk.CommandBuffer, n),
	}, nil
}

// resizeCB grows ci.cbInfo to hold at least n entries.
func (ci *commitInfo) resizeCB(n int) {
	if n < 1 {
		n = 1
	}
	if cap(ci.cbInfo) >= n {
		ci.cbInfo = ci.cbInfo[:n]
		return
	}
	c := cap(ci.cbInfo)
	for c < n {
		c *= 2
	}
	ci.cbInfo = make([]vk.CommandBuffer, n, c)
}

// destroyCommitInfo destroys ci.
// There is nothing to release beyond Go-managed memory.
func (d *Driver) destroyCommitInfo(ci *commitInfo) {
	if ci != nil {
		*ci = commitInfo{}
	}
}

// commitSync contains the fence used to wait for a call to
// Driver.Commit to complete execution on the GPU.
// It is only safe to reuse this data after the Commit call
// writes to the provided channel.
type commitSync struct {
	fence vk.Fence
}

// newCommitSync creates new commitSync data.
func (d *Driver) newCommitSync() (*commitSync, error) {
	info := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	var fence vk.Fence
	if err := checkResult(vk.CreateFence(d.dev, &info, nil, &fence)); err != nil {
		return nil, err
	}
	return &commitSync{fence: fence}, nil
}

// destroyCommitSync destroys cs.
func (d *Driver) destroyCommitSync(cs *commitSync) {
	if cs != nil {
		vk.DestroyFence(d.dev, cs.fence, nil)
	}
}

// Commit commits a batch of command buffers to the GPU for execution.
func (d *Driver) Commit(cb []driver.CmdBuffer, ch chan<- error) {
	if len(cb) == 0 || ch == nil {
		// Client error.
		panic("invalid call to GPU.Commit")
	}
	// Take commit data from the driver and return it when this call
	// completes. If too many calls to Commit were issued, we will
	// block here waiting for another call to finish.
	ci := <-d.cinfo
	cs := <-d.csync
	if err := checkResult(vk.ResetFences(d.dev, 1, []vk.Fence{cs.fence})); err != nil {
		d.cinfo <- ci
		d.csync <- cs
		ch <- err
		return
	}

	ci.resizeCB(len(cb))
	for i := range cb {
		ci.cbInfo[i] = cb[i].(*cmdBuffer).cb
	}
	ci.subInfo[0] = vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: uint32(len(cb)),
		PCommandBuffers:    ci.cbInfo[:len(cb)],
	}

	for i := range cb {
		cb[i].(*cmdBuffer).status = cbCommitted
	}

	d.qmus[d.qfam].Lock()
	res := vk.QueueSubmit(d.ques[d.qfam], 1, ci.subInfo[:], cs.fence)
	d.qmus[d.qfam].Unlock()
	if err := checkResult(res); err != nil {
		for i := range cb {
			cb[i].(*cmdBuffer).status = cbIdle
		}
		d.cinfo <- ci
		d.csync <- cs
		ch <- err
		return
	}

	// Wait in the background for the queue submission to complete.
	go func() {
		err := checkResult(vk.WaitForFences(d.dev, 1, []vk.Fence{cs.fence}, vk.True, vk.MaxUint64))
		for i := range cb {
			cb[i].(*cmdBuffer).status = cbIdle
		}
		d.cinfo <- ci
		d.csync <- cs
		ch <- err
	}()
}

// convSync converts a driver.Sync to a vk.PipelineStageFlags value.
func convSync(sync driver.Sync) vk.PipelineStageFlags {
	if sync == driver.SNone {
		return 0
	}
	if sync&driver.SAll != 0 {
		return vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
	}
	var flags vk.PipelineStageFlags
	if sync&driver.SComputeShading != 0 {
		flags |= vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit)
	}
	if sync&driver.SCopy != 0 {
		flags |= vk.PipelineStageFlags(vk.PipelineStageTransferBit)
	}
	return flags
}

// convAccess converts a driver.Access to a vk.AccessFlags value.
func convAccess(acc driver.Access) vk.AccessFlags {
	if acc == driver.ANone {
		return 0
	}
	var flags vk.AccessFlags
	switch {
	case acc&driver.AAnyRead != 0:
		flags |= vk.AccessFlags(vk.AccessMemoryReadBit)
	case acc&driver.AShaderRead != 0:
		flags |= vk.AccessFlags(vk.AccessShaderReadBit)
	case acc&driver.ACopyRead != 0:
		flags |= vk.AccessFlags(vk.AccessTransferReadBit)
	}
	switch {
	case acc&driver.AAnyWrite != 0:
		flags |= vk.AccessFlags(vk.AccessMemoryWriteBit)
	case acc&driver.AShaderWrite != 0:
		flags |= vk.AccessFlags(vk.AccessShaderWriteBit)
	case acc&driver.ACopyWrite != 0:
		flags |= vk.AccessFlags(vk.AccessTransferWriteBit)
	}
	return flags
}

// convLayout converts a driver.Layout to a vk.ImageLayout.
func convLayout(lay driver.Layout) vk.ImageLayout {
	switch lay {
	case driver.LUndefined:
		return vk.ImageLayoutUndefined
	case driver.LCommon:
		return vk.ImageLayoutGeneral
	case driver.LShaderRead:
		return vk.ImageLayoutShaderReadOnlyOptimal
	case driver.LShaderStore:
		return vk.ImageLayoutGeneral
	case driver.LCopySrc:
		return vk.ImageLayoutTransferSrcOptimal
	case driver.LCopyDst:
		return vk.ImageLayoutTransferDstOptimal
	}
	// Expected to be unreachable.
	return vk.ImageLayoutUndefined
}
