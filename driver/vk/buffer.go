// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	vk "github.com/goki/vulkan"

	"vulkanfx/vkcore/driver"
)

// buffer implements driver.Buffer.
type buffer struct {
	m   *memory
	buf vk.Buffer
}

// NewBuffer creates a new buffer.
func (d *Driver) NewBuffer(size int64, visible bool, usg driver.Usage) (driver.Buffer, error) {
	u := vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit) | vk.BufferUsageFlags(vk.BufferUsageTransferDstBit)
	if usg&(driver.UShaderRead|driver.UShaderWrite) != 0 {
		u |= vk.BufferUsageFlags(vk.BufferUsageStorageTexelBufferBit)
		u |= vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit)
	}
	if usg&driver.UShaderConst != 0 {
		u |= vk.BufferUsageFlags(vk.BufferUsageUniformTexelBufferBit)
		u |= vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit)
	}

	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       u,
		SharingMode: vk.SharingModeExclusive,
	}
	var buf vk.Buffer
	if err := checkResult(vk.CreateBuffer(d.dev, &info, nil, &buf)); err != nil {
		return nil, err
	}

	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.dev, buf, &req)
	m, err := d.newMemory(req, visible)
	if err != nil {
		vk.DestroyBuffer(d.dev, buf, nil)
		return nil, err
	}
	if err := checkResult(vk.BindBufferMemory(d.dev, buf, m.mem, 0)); err != nil {
		m.free()
		vk.DestroyBuffer(d.dev, buf, nil)
		return nil, err
	}
	m.bound = true
	if visible {
		// Keep the memory mapped for the lifetime of the buffer.
		if err = m.mmap(); err != nil {
			m.free()
			vk.DestroyBuffer(d.dev, buf, nil)
			return nil, err
		}
	}

	return &buffer{m: m, buf: buf}, nil
}

// Visible returns whether the buffer is host visible.
func (b *buffer) Visible() bool { return b.m.vis }

// Bytes returns a slice of length b.Cap() referring to the underlying data.
func (b *buffer) Bytes() []byte { return b.m.p }

// Cap returns the capacity of the buffer in bytes.
func (b *buffer) Cap() int64 { return b.m.size }

// Destroy destroys the buffer.
func (b *buffer) Destroy() {
	if b == nil {
		return
	}
	if b.m != nil {
		vk.DestroyBuffer(b.m.d.dev, b.buf, nil)
		b.m.free()
	}
	*b = buffer{}
}
