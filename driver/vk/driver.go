// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package vk implements driver interfaces using the Vulkan API,
// through the pure-Go github.com/goki/vulkan bindings.
package vk

import (
	"errors"
	"runtime"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"

	"vulkanfx/vkcore/driver"
)

const driverName = "vulkan"

var preferredAPIVersion = vk.MakeVersion(1, 3, 0)

// Driver implements driver.Driver and driver.GPU.
type Driver struct {
	inst  vk.Instance
	ivers uint32
	pdev  vk.PhysicalDevice
	dname string
	dvers uint32
	dev   vk.Device
	ques  []vk.Queue
	qfam  uint32

	// Mutexes for ques synchronization.
	// Queue submission requires that the queue handle
	// be externally synchronized, thus this is needed
	// to allow Commit calls to run concurrently.
	qmus []sync.Mutex

	// Commit data created in advance.
	// The capacity of the channel limits the number
	// of concurrent Commit calls.
	cinfo chan *commitInfo
	csync chan *commitSync

	// Used device memory, indexed by heap indices.
	mused []int64
	mprop vk.PhysicalDeviceMemoryProperties

	// Limits of pdev.
	lim driver.Limits

	// Optional feature support of pdev, gathered once in
	// initDevice.
	feat driver.Features

	opened bool
}

func init() {
	driver.Register(&Driver{})
}

// initInstance initializes the Vulkan instance.
func (d *Driver) initInstance() error {
	if err := vk.Init(); err != nil {
		return driver.ErrNotInstalled
	}
	d.ivers = preferredAPIVersion

	appInfo := &vk.ApplicationInfo{
		SType:      vk.StructureTypeApplicationInfo,
		ApiVersion: preferredAPIVersion,
	}
	info := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}
	var inst vk.Instance
	if err := checkResult(vk.CreateInstance(&info, nil, &inst)); err != nil {
		return err
	}
	d.inst = inst
	vk.InitInstance(d.inst)
	return nil
}

// initDevice initializes the Vulkan device.
func (d *Driver) initDevice() error {
	var n uint32
	if err := checkResult(vk.EnumeratePhysicalDevices(d.inst, &n, nil)); err != nil {
		return err
	}
	if n == 0 {
		return driver.ErrNoDevice
	}
	devs := make([]vk.PhysicalDevice, n)
	if err := checkResult(vk.EnumeratePhysicalDevices(d.inst, &n, devs)); err != nil {
		return err
	}

	devProps := make([]vk.PhysicalDeviceProperties, n)
	queProps := make([][]vk.QueueFamilyProperties, n)
	for i, pd := range devs {
		devProps[i].Deref()
		vk.GetPhysicalDeviceProperties(pd, &devProps[i])
		devProps[i].Deref()
		var qn uint32
		vk.GetPhysicalDeviceQueueFamilyProperties(pd, &qn, nil)
		qp := make([]vk.QueueFamilyProperties, qn)
		vk.GetPhysicalDeviceQueueFamilyProperties(pd, &qn, qp)
		for j := range qp {
			qp[j].Deref()
		}
		queProps[i] = qp
	}

	// Select a suitable physical device to use. The bare minimum is
	// a device exposing a queue family that supports compute and
	// transfer operations; no presentation or graphics capability
	// is required.
	weight := 0
	for i, pd := range devs {
		fam := len(queProps[i])
		flg := vk.QueueFlags(vk.QueueComputeBit) | vk.QueueFlags(vk.QueueTransferBit)
		for j, qp := range queProps[i] {
			if vk.QueueFlags(qp.QueueFlags)&flg == flg {
				fam = j
				break
			}
		}
		if fam == len(queProps[i]) {
			continue
		}
		wgt := 1
		if devProps[i].DeviceType == vk.PhysicalDeviceTypeDiscreteGpu {
			wgt += 2
		} else if devProps[i].DeviceType == vk.PhysicalDeviceTypeIntegratedGpu {
			wgt++
		}
		if wgt > weight {
			d.pdev = pd
			d.dname = vk.ToString(devProps[i].DeviceName[:])
			d.dvers = devProps[i].ApiVersion
			d.ques = make([]vk.Queue, len(queProps[i]))
			d.qfam = uint32(fam)
			d.setLimits(&devProps[i].Limits)
			weight = wgt
		}
	}
	if weight == 0 {
		return driver.ErrNoDevice
	}
	vk.GetPhysicalDeviceMemoryProperties(d.pdev, &d.mprop)
	d.mprop.Deref()
	d.mused = make([]int64, d.mprop.MemoryHeapCount)
	d.setFeatures()

	quePrio := []float32{1.0}
	queInfos := make([]vk.DeviceQueueCreateInfo, len(d.ques))
	for i := range queInfos {
		queInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: uint32(i),
			QueueCount:       1,
			PQueuePriorities: quePrio,
		}
	}
	info := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: uint32(len(queInfos)),
		PQueueCreateInfos:    queInfos,
	}
	var dev vk.Device
	if err := checkResult(vk.CreateDevice(d.pdev, &info, nil, &dev)); err != nil {
		return err
	}
	d.dev = dev
	for i := range d.ques {
		var q vk.Queue
		vk.GetDeviceQueue(d.dev, uint32(i), 0, &q)
		d.ques[i] = q
	}
	return nil
}

// setLimits sets d.lim.
func (d *Driver) setLimits(lim *vk.PhysicalDeviceLimits) {
	lim.Deref()
	d.lim = driver.Limits{
		MaxImage1D: int(lim.MaxImageDimension1D),
		MaxImage2D: int(lim.MaxImageDimension2D),
		MaxImage3D: int(lim.MaxImageDimension3D),
		MaxLayers:  int(lim.MaxImageArrayLayers),

		MaxDescHeaps:      int(lim.MaxBoundDescriptorSets),
		MaxDBuffer:        int(lim.MaxPerStageDescriptorStorageBuffers),
		MaxDImage:         int(lim.MaxPerStageDescriptorStorageImages),
		MaxDConstant:      int(lim.MaxPerStageDescriptorUniformBuffers),
		MaxDTexture:       int(lim.MaxPerStageDescriptorSampledImages),
		MaxDSampler:       int(lim.MaxPerStageDescriptorSamplers),
		MaxDBufferRange:   int64(lim.MaxStorageBufferRange),
		MaxDConstantRange: int64(lim.MaxUniformBufferRange),

		MaxDispatch: [3]int{
			int(lim.MaxComputeWorkGroupCount[0]),
			int(lim.MaxComputeWorkGroupCount[1]),
			int(lim.MaxComputeWorkGroupCount[2]),
		},
		MaxWorkgrpSize: [3]int{
			int(lim.MaxComputeWorkGroupSize[0]),
			int(lim.MaxComputeWorkGroupSize[1]),
			int(lim.MaxComputeWorkGroupSize[2]),
		},
		MaxWorkgrpInvoc: int(lim.MaxComputeWorkGroupInvocations),
	}
}

// Known device extensions that gate the optional features
// reported through driver.Features.
const (
	extFloat16Int8      = "VK_KHR_shader_float16_int8"
	extShaderSubgroup    = "VK_EXT_subgroup_size_control"
	extCoopMatrixKHR    = "VK_KHR_cooperative_matrix"
	extCoopMatrixNV     = "VK_NV_cooperative_matrix"
)

// setFeatures enumerates d.pdev's extensions and its core
// subgroup properties, filling in d.feat. Subgroup basic/vote/
// ballot/shuffle bits come from vk.PhysicalDeviceSubgroupProperties,
// which every Vulkan 1.1+ implementation exposes regardless of
// extensions; FP16/Int8/cooperative-matrix support is inferred
// from the presence of the corresponding extension, since
// querying the VkPhysicalDeviceShaderFloat16Int8Features feature
// struct requires a pNext chain this binding does not expose.
func (d *Driver) setFeatures() {
	var n uint32
	vk.EnumerateDeviceExtensionProperties(d.pdev, "", &n, nil)
	props := make([]vk.ExtensionProperties, n)
	vk.EnumerateDeviceExtensionProperties(d.pdev, "", &n, props)

	exts := make([]string, 0, n)
	have := make(map[string]bool, n)
	for i := range props {
		props[i].Deref()
		name := vk.ToString(props[i].ExtensionName[:])
		exts = append(exts, name)
		have[name] = true
	}

	var subgroupProps vk.PhysicalDeviceSubgroupProperties
	subgroupProps.SType = vk.StructureTypePhysicalDeviceSubgroupProperties
	props2 := vk.PhysicalDeviceProperties2{
		SType: vk.StructureTypePhysicalDeviceProperties2,
		PNext: unsafe.Pointer(&subgroupProps),
	}
	vk.GetPhysicalDeviceProperties2(d.pdev, &props2)
	subgroupProps.Deref()
	ops := vk.SubgroupFeatureFlags(subgroupProps.SupportedOperations)

	var quirks []string
	if d.lim.MaxWorkgrpInvoc < 256 {
		quirks = append(quirks, "low max workgroup invocation count")
	}

	d.feat = driver.Features{
		FP16:              have[extFloat16Int8],
		Int8:              have[extFloat16Int8],
		SubgroupBasic:     ops&vk.SubgroupFeatureFlags(vk.SubgroupFeatureBasicBit) != 0,
		SubgroupVote:      ops&vk.SubgroupFeatureFlags(vk.SubgroupFeatureVoteBit) != 0,
		SubgroupBallot:    ops&vk.SubgroupFeatureFlags(vk.SubgroupFeatureBallotBit) != 0,
		SubgroupShuffle:   ops&vk.SubgroupFeatureFlags(vk.SubgroupFeatureShuffleBit) != 0,
		CooperativeMatrix: have[extCoopMatrixKHR] || have[extCoopMatrixNV],
		Extensions:        exts,
		Quirks:            quirks,
	}
}

// Open initializes the driver.
func (d *Driver) Open() (gpu driver.GPU, err error) {
	if d.opened {
		return d, nil
	}
	if err = d.initInstance(); err != nil {
		goto fail
	}
	if err = d.initDevice(); err != nil {
		goto fail
	}
	d.qmus = make([]sync.Mutex, len(d.ques))
	d.cinfo = make(chan *commitInfo, runtime.NumCPU())
	for i := 0; i < cap(d.cinfo); i++ {
		var ci *commitInfo
		if ci, err = d.newCommitInfo(); err != nil {
			goto fail
		}
		d.cinfo <- ci
	}
	d.csync = make(chan *commitSync, cap(d.cinfo)*2)
	for i := 0; i < cap(d.csync); i++ {
		var cs *commitSync
		if cs, err = d.newCommitSync(); err != nil {
			goto fail
		}
		d.csync <- cs
	}
	d.opened = true
	return d, nil
fail:
	d.Close()
	return nil, err
}

// Name returns the driver name.
func (d *Driver) Name() string { return driverName }

// Close deinitializes the driver.
func (d *Driver) Close() {
	if d == nil {
		return
	}
	if d.dev != vk.NullDevice {
		vk.DeviceWaitIdle(d.dev)
		for len(d.cinfo) > 0 {
			d.destroyCommitInfo(<-d.cinfo)
		}
		for len(d.csync) > 0 {
			d.destroyCommitSync(<-d.csync)
		}
		vk.DestroyDevice(d.dev, nil)
	}
	if d.inst != vk.NullInstance {
		vk.DestroyInstance(d.inst, nil)
	}
	*d = Driver{}
}

// memory represents a device memory allocation.
type memory struct {
	d     *Driver
	size  int64
	vis   bool
	bound bool
	p     []byte
	mem   vk.DeviceMemory
	typ   int
	heap  int
}

// selectMemory selects a suitable memory type from the device.
// It returns the index of the selected memory, or -1 if none suffices.
func (d *Driver) selectMemory(typeBits uint32, prop vk.MemoryPropertyFlagBits) int {
	for i := 0; i < int(d.mprop.MemoryTypeCount); i++ {
		if 1<<uint(i)&typeBits != 0 {
			d.mprop.MemoryTypes[i].Deref()
			flags := vk.MemoryPropertyFlagBits(d.mprop.MemoryTypes[i].PropertyFlags)
			if flags&prop == prop {
				return i
			}
		}
	}
	return -1
}

// newMemory creates a new memory allocation.
func (d *Driver) newMemory(req vk.MemoryRequirements, visible bool) (*memory, error) {
	req.Deref()
	prop := vk.MemoryPropertyDeviceLocalBit
	if visible {
		prop |= vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit
	}

	typ := d.selectMemory(req.MemoryTypeBits, prop)
	if typ == -1 {
		prop &^= vk.MemoryPropertyDeviceLocalBit
		typ = d.selectMemory(req.MemoryTypeBits, prop)
	}
	if typ == -1 {
		return nil, errors.New("vk: no suitable memory type found")
	}

	info := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: uint32(typ),
	}
	var mem vk.DeviceMemory
	if err := checkResult(vk.AllocateMemory(d.dev, &info, nil, &mem)); err != nil {
		return nil, err
	}
	d.mprop.MemoryTypes[typ].Deref()
	heap := int(d.mprop.MemoryTypes[typ].HeapIndex)
	d.mused[heap] += int64(req.Size)

	return &memory{
		d:    d,
		size: int64(req.Size),
		vis:  visible,
		mem:  mem,
		typ:  typ,
		heap: heap,
	}, nil
}

// mmap maps the memory for host access.
// The memory must be host visible (m.vis) and must have been bound to a
// resource (m.bound).
func (m *memory) mmap() error {
	if !m.vis {
		panic("cannot map memory that is not host visible")
	}
	if !m.bound {
		panic("cannot map memory that is not bound to a resource")
	}
	if len(m.p) == 0 {
		var p unsafe.Pointer
		if err := checkResult(vk.MapMemory(m.d.dev, m.mem, 0, vk.DeviceSize(m.size), 0, &p)); err != nil {
			return err
		}
		m.p = (*[1 << 30]byte)(p)[:m.size:m.size]
	}
	return nil
}

// unmap unmaps the memory.
func (m *memory) unmap() {
	if len(m.p) != 0 {
		vk.UnmapMemory(m.d.dev, m.mem)
		m.p = nil
	}
}

// free deallocates and invalidates the memory.
func (m *memory) free() {
	if m == nil {
		return
	}
	if m.d != nil {
		vk.FreeMemory(m.d.dev, m.mem, nil)
		m.d.mused[m.heap] -= m.size
	}
	*m = memory{}
}

// Driver returns the receiver (for driver.GPU conformance).
func (d *Driver) Driver() driver.Driver { return d }

// Limits returns the implementation limits.
func (d *Driver) Limits() driver.Limits { return d.lim }

// Features returns the implementation's optional feature support.
func (d *Driver) Features() driver.Features { return d.feat }

// checkResult returns an error derived from a vk.Result value.
// If such value does not indicate an error, it returns nil instead.
func checkResult(res vk.Result) error {
	if res >= 0 {
		return nil
	}
	switch res {
	case vk.ErrorOutOfHostMemory:
		return errNoHostMemory
	case vk.ErrorOutOfDeviceMemory:
		return errNoDeviceMemory
	case vk.ErrorInitializationFailed:
		return errInitFailed
	case vk.ErrorDeviceLost:
		return errDeviceLost
	case vk.ErrorMemoryMapFailed:
		return errMMapFailed
	case vk.ErrorLayerNotPresent:
		return errNoLayer
	case vk.ErrorExtensionNotPresent:
		return errNoExtension
	case vk.ErrorFeatureNotPresent:
		return errNoFeature
	case vk.ErrorIncompatibleDriver:
		return errDriverCompat
	case vk.ErrorTooManyObjects:
		return errTooManyObjects
	case vk.ErrorFormatNotSupported:
		return errUnsupportedFormat
	case vk.ErrorFragmentedPool:
		return errFragmentedPool
	case vk.ErrorOutOfPoolMemory:
		return errNoPoolMemory
	}
	return errUnknown
}

// Common Vulkan errors.
var (
	errNoHostMemory      = driver.ErrNoHostMemory
	errNoDeviceMemory    = driver.ErrNoDeviceMemory
	errInitFailed        = errors.New("vk: initialization failed")
	errDeviceLost        = driver.ErrFatal
	errMMapFailed        = errors.New("vk: memory map failed")
	errNoLayer           = errors.New("vk: layer not present")
	errNoExtension       = errors.New("vk: extension not present")
	errNoFeature         = errors.New("vk: feature not present")
	errDriverCompat      = errors.New("vk: incompatible driver")
	errTooManyObjects    = errors.New("vk: too many objects")
	errUnsupportedFormat = errors.New("vk: format not supported")
	errFragmentedPool    = errors.New("vk: fragmented pool")
	errUnknown           = errors.New("vk: unknown error")
	errNoPoolMemory      = errors.New("vk: out of pool memory")
)

// DeviceName returns the name of the device that the driver is using.
func (d *Driver) DeviceName() string { return d.dname }

// InstanceVersion returns the version of the instance that
// the driver is using.
func (d *Driver) InstanceVersion() (major, minor, patch int) {
	return versionMajor(d.ivers), versionMinor(d.ivers), versionPatch(d.ivers)
}

// DeviceVersion returns the version of the device that
// the driver is using.
func (d *Driver) DeviceVersion() (major, minor, patch int) {
	return versionMajor(d.dvers), versionMinor(d.dvers), versionPatch(d.dvers)
}

// versionMajor extracts the major version number from v.
// v must have been generated by vk.MakeVersion.
func versionMajor(v uint32) int { return int(v >> 22 & 0x7f) }

// versionMinor extracts the minor version number from v.
// v must have been generated by vk.MakeVersion.
func versionMinor(v uint32) int { return int(v >> 12 & 0x3ff) }

// versionPatch extracts the patch version number from v.
// v must have been generated by vk.MakeVersion.
func versionPatch(v uint32) int { return int(v & 0xfff) }
