// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package device manages the process-wide GPU instance: driver
// selection, the immutable capability snapshot client code
// negotiates features against, the per-device allocator and
// pipeline cache defaults, and the queue pool that command
// recorders draw from.
package device

import (
	"sync"

	"vulkanfx/vkcore"
	"vulkanfx/vkcore/alloc"
	"vulkanfx/vkcore/config"
	"vulkanfx/vkcore/driver"
	_ "vulkanfx/vkcore/driver/vk" // registers the Vulkan backend
	"vulkanfx/vkcore/pipelinecache"
	"vulkanfx/vkcore/platform"
)

// GpuInfo is an immutable snapshot of the selected physical
// device's capabilities, gathered once at CreateInstance time.
type GpuInfo struct {
	Name   string
	Limits driver.Limits
	driver.Features

	// ValidationEnabled records config.Runtime.EnableValidation
	// as it stood when the instance was created. The backend
	// itself does not yet expose a validation-layer toggle; this
	// is carried so callers can at least observe which setting
	// was requested.
	ValidationEnabled bool
}

// Device is the single process-wide GPU instance. It owns the
// default allocators, the pipeline cache, a dummy buffer/image
// pair for shaders with optional bindings, and the queue pool.
type Device struct {
	drv driver.Driver
	gpu driver.GPU
	info GpuInfo

	Blob    *alloc.BlobAllocator
	Weight  *alloc.WeightAllocator
	Staging *alloc.StagingAllocator
	Cache   *pipelinecache.Cache

	dummyBuf *alloc.BufferHandle
	dummyImg *alloc.ImageHandle

	qmu   sync.Mutex
	qcond platform.Cond
	qfree []bool
}

var (
	once     sync.Once
	instance *Device
	instErr  error
)

// CreateInstance initializes the process-wide Device if it has
// not been already, selecting the first registered driver that
// opens successfully. It is safe to call from multiple
// goroutines; only the first call does any work, and every
// caller observes the same result.
func CreateInstance() (*Device, error) {
	once.Do(func() {
		instance, instErr = createInstance(nil)
	})
	return instance, instErr
}

// CreateInstanceFromConfig behaves like CreateInstance, but first
// loads path (an empty path reads environment overrides only) for
// the validation and preferred-device knobs config.Runtime
// describes, and uses PreferredGPUIndex to reorder driver
// selection: the driver at that index in driver.Drivers() is
// tried first, falling back to the rest in registration order if
// it fails to open or the index is out of range.
func CreateInstanceFromConfig(path string) (*Device, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	once.Do(func() {
		instance, instErr = createInstance(cfg)
	})
	return instance, instErr
}

func createInstance(cfg *config.Runtime) (*Device, error) {
	drivers := driver.Drivers()
	if len(drivers) == 0 {
		return nil, vkcore.New(vkcore.NoDevice, driver.ErrNoDevice)
	}

	order := make([]int, len(drivers))
	for i := range order {
		order[i] = i
	}
	if cfg != nil && cfg.PreferredGPUIndex > 0 && cfg.PreferredGPUIndex < len(drivers) {
		p := cfg.PreferredGPUIndex
		copy(order[1:p+1], order[:p])
		order[0] = p
	}

	var drv driver.Driver
	var gpu driver.GPU
	var err error
	for _, idx := range order {
		d := drivers[idx]
		if gpu, err = d.Open(); err == nil {
			drv = d
			break
		}
	}
	if drv == nil {
		return nil, vkcore.New(vkcore.NoDevice, err)
	}

	name := drv.Name()
	if vkDrv, ok := drv.(interface{ DeviceName() string }); ok {
		name = vkDrv.DeviceName()
	}

	dev := &Device{
		drv: drv,
		gpu: gpu,
		info: GpuInfo{
			Name:              name,
			Limits:            gpu.Limits(),
			Features:          gpu.Features(),
			ValidationEnabled: cfg != nil && cfg.EnableValidation,
		},
	}

	dev.Blob = alloc.NewBlobAllocator(gpu)
	dev.Weight = alloc.NewWeightAllocator(gpu)
	dev.Staging = alloc.NewStagingAllocator(gpu)
	dev.Cache = pipelinecache.New(gpu)

	// Queue pool: a fixed number of logical slots. The driver
	// already guards raw queue handles internally (see driver/vk's
	// per-family mutex in Commit), so this pool only needs to bound
	// how many recorders may have work in flight concurrently;
	// driver.GPU has no queue-count query, so the slot count is a
	// constant rather than derived from the device.
	const defaultSlots = 4
	dev.qfree = make([]bool, defaultSlots)
	for i := range dev.qfree {
		dev.qfree[i] = true
	}
	dev.qcond = platform.NewCond(&dev.qmu)

	var bufErr, imgErr error
	dev.dummyBuf, bufErr = dev.Blob.AllocBuffer(4)
	dev.dummyImg, imgErr = dev.Blob.AllocImage(1, 1, 1, driver.R8ui, alloc.TOptimal, driver.UShaderRead|driver.UShaderWrite)
	if bufErr != nil {
		return nil, bufErr
	}
	if imgErr != nil {
		return nil, imgErr
	}

	return dev, nil
}

// Instance returns the process-wide Device, or nil if
// CreateInstance has not been called (or failed).
func Instance() *Device { return instance }

// GPU returns the underlying driver.GPU.
func (d *Device) GPU() driver.GPU { return d.gpu }

// Info returns the device's immutable capability snapshot.
func (d *Device) Info() GpuInfo { return d.info }

// AcquireQueue blocks until a queue slot is available and
// returns its index. The caller must pass the same index to
// ReclaimQueue when done.
func (d *Device) AcquireQueue() int {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	for {
		for i, free := range d.qfree {
			if free {
				d.qfree[i] = false
				return i
			}
		}
		d.qcond.Wait()
	}
}

// ReclaimQueue returns a queue slot acquired via AcquireQueue.
func (d *Device) ReclaimQueue(i int) {
	d.qmu.Lock()
	d.qfree[i] = true
	d.qmu.Unlock()
	d.qcond.Signal()
}

// DestroyInstance waits for every queue slot to be idle, frees
// the dummy buffer/image, the staging allocator's cached buffers
// and every cached pipeline, then closes the driver. The blob and
// weight allocators' pools are not destroyed here. It resets the package's sync.Once so a subsequent
// CreateInstance call reinitializes everything from scratch;
// this mirrors the teacher's Driver.Close contract of being
// re-openable after Close.
func DestroyInstance() {
	if instance == nil {
		return
	}
	d := instance
	d.qmu.Lock()
	for {
		idle := true
		for _, free := range d.qfree {
			if !free {
				idle = false
				break
			}
		}
		if idle {
			break
		}
		d.qcond.Wait()
	}
	d.qmu.Unlock()

	if d.dummyBuf != nil {
		d.dummyBuf.Release()
	}
	if d.dummyImg != nil {
		d.dummyImg.Release()
	}
	d.Staging.Clear()
	d.Cache.Clear()
	d.drv.Close()

	instance = nil
	instErr = nil
	once = sync.Once{}
}
