// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"errors"

	vk "github.com/goki/vulkan"

	"vulkanfx/vkcore/driver"
)

// descHeap implements driver.DescHeap.
type descHeap struct {
	d      *Driver
	layout vk.DescriptorSetLayout
	pool   vk.DescriptorPool
	sets   []vk.DescriptorSet
	ds     []driver.Descriptor

	// Number of descriptors of each type in ds.
	// These values are needed every time that new sets
	// are allocated, so we compute them once.
	nbuf   int
	nimg   int
	nconst int
	ntex   int
	nsplr  int
}

// NewDescHeap creates a new descriptor heap.
func (d *Driver) NewDescHeap(ds []driver.Descriptor) (driver.DescHeap, error) {
	var nbuf, nimg, nconst, ntex, nsplr int
	binds := make([]vk.DescriptorSetLayoutBinding, len(ds))

	for i := range ds {
		switch ds[i].Type {
		case driver.DBuffer:
			nbuf += ds[i].Len
			binds[i].DescriptorType = vk.DescriptorTypeStorageBuffer
		case driver.DImage:
			nimg += ds[i].Len
			binds[i].DescriptorType = vk.DescriptorTypeStorageImage
		case driver.DConstant:
			nconst += ds[i].Len
			binds[i].DescriptorType = vk.DescriptorTypeUniformBuffer
		case driver.DTexture:
			ntex += ds[i].Len
			binds[i].DescriptorType = vk.DescriptorTypeSampledImage
		case driver.DSampler:
			nsplr += ds[i].Len
			binds[i].DescriptorType = vk.DescriptorTypeSampler
		}
		// Descriptor.Nr is the binding number in Vulkan, which must be
		// unique within a descriptor set.
		for j := i + 1; j < len(ds); j++ {
			if ds[i].Nr == ds[j].Nr {
				return nil, errors.New("descriptor number is not unique")
			}
		}
		binds[i].Binding = uint32(ds[i].Nr)
		binds[i].DescriptorCount = uint32(ds[i].Len)
		binds[i].StageFlags = uint32(convStage(ds[i].Stages))
	}

	info := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(binds)),
		PBindings:    binds,
	}
	var layout vk.DescriptorSetLayout
	if err := checkResult(vk.CreateDescriptorSetLayout(d.dev, &info, nil, &layout)); err != nil {
		return nil, err
	}
	// To avoid consuming memory needlessly, neither descHeap.pool
	// nor descHeap.sets are initialized here. Pool creation and
	// descriptor set allocation is left to New.
	return &descHeap{
		d:      d,
		layout: layout,
		ds:     ds,
		nbuf:   nbuf,
		nimg:   nimg,
		nconst: nconst,
		ntex:   ntex,
		nsplr:  nsplr,
	}, nil
}

// New creates enough storage for n copies of each descriptor.
func (h *descHeap) New(n int) error {
	switch {
	case n == len(h.sets):
		return nil
	case len(h.sets) == 0:
		// Nothing to destroy/free.
	default:
		vk.DestroyDescriptorPool(h.d.dev, h.pool, nil)
		h.sets = nil
		if n == 0 {
			return nil
		}
	}

	type poolCount struct {
		typ vk.DescriptorType
		cnt uint32
	}
	dc := [5]poolCount{
		{vk.DescriptorTypeStorageBuffer, uint32(h.nbuf * n)},
		{vk.DescriptorTypeStorageImage, uint32(h.nimg * n)},
		{vk.DescriptorTypeUniformBuffer, uint32(h.nconst * n)},
		{vk.DescriptorTypeSampledImage, uint32(h.ntex * n)},
		{vk.DescriptorTypeSampler, uint32(h.nsplr * n)},
	}
	var sizes []vk.DescriptorPoolSize
	for i := range dc {
		if dc[i].cnt == 0 {
			continue
		}
		sizes = append(sizes, vk.DescriptorPoolSize{
			Type:            dc[i].typ,
			DescriptorCount: dc[i].cnt,
		})
	}

	info := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       uint32(n),
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}
	var pool vk.DescriptorPool
	if err := checkResult(vk.CreateDescriptorPool(h.d.dev, &info, nil, &pool)); err != nil {
		return err
	}

	layouts := make([]vk.DescriptorSetLayout, n)
	for i := range layouts {
		layouts[i] = h.layout
	}
	sets := make([]vk.DescriptorSet, n)
	sinfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     pool,
		DescriptorSetCount: uint32(n),
		PSetLayouts:        layouts,
	}
	if err := checkResult(vk.AllocateDescriptorSets(h.d.dev, &sinfo, &sets[0])); err != nil {
		vk.DestroyDescriptorPool(h.d.dev, pool, nil)
		return err
	}
	h.pool = pool
	h.sets = sets
	return nil
}

// SetBuffer updates the buffer ranges referred by the given descriptor of
// the given heap copy.
func (h *descHeap) SetBuffer(cpy, nr, start int, buf []driver.Buffer, off, size []int64) {
	infos := make([]vk.DescriptorBufferInfo, len(buf))
	for i := range infos {
		infos[i] = vk.DescriptorBufferInfo{
			Buffer: buf[i].(*buffer).buf,
			Offset: vk.DeviceSize(off[i]),
			Range:  vk.DeviceSize(size[i]),
		}
	}
	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          h.sets[cpy],
		DstBinding:      uint32(nr),
		DstArrayElement: uint32(start),
		DescriptorCount: uint32(len(buf)),
		DescriptorType:  h.typeOf(nr),
		PBufferInfo:     infos,
	}
	vk.UpdateDescriptorSets(h.d.dev, 1, []vk.WriteDescriptorSet{write}, 0, nil)
}

// SetImage updates the image views referred by the given descriptor of
// the given heap copy.
func (h *descHeap) SetImage(cpy, nr, start int, iv []driver.ImageView) {
	typ := h.typeOf(nr)
	lay := vk.ImageLayoutGeneral
	if typ == vk.DescriptorTypeSampledImage {
		lay = vk.ImageLayoutShaderReadOnlyOptimal
	}
	infos := make([]vk.DescriptorImageInfo, len(iv))
	for i := range infos {
		infos[i] = vk.DescriptorImageInfo{
			ImageView:   iv[i].(*imageView).view,
			ImageLayout: lay,
		}
	}
	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          h.sets[cpy],
		DstBinding:      uint32(nr),
		DstArrayElement: uint32(start),
		DescriptorCount: uint32(len(iv)),
		DescriptorType:  typ,
		PImageInfo:      infos,
	}
	vk.UpdateDescriptorSets(h.d.dev, 1, []vk.WriteDescriptorSet{write}, 0, nil)
}

// SetSampler updates the samplers referred by the given descriptor of
// the given heap copy.
func (h *descHeap) SetSampler(cpy, nr, start int, splr []driver.Sampler) {
	infos := make([]vk.DescriptorImageInfo, len(splr))
	for i := range infos {
		infos[i] = vk.DescriptorImageInfo{Sampler: splr[i].(*sampler).splr}
	}
	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          h.sets[cpy],
		DstBinding:      uint32(nr),
		DstArrayElement: uint32(start),
		DescriptorCount: uint32(len(splr)),
		DescriptorType:  h.typeOf(nr),
		PImageInfo:      infos,
	}
	vk.UpdateDescriptorSets(h.d.dev, 1, []vk.WriteDescriptorSet{write}, 0, nil)
}

// Count returns the number of heap copies created by New.
func (h *descHeap) Count() int { return len(h.sets) }

// Destroy destroys the descriptor heap.
func (h *descHeap) Destroy() {
	if h == nil {
		return
	}
	if h.d != nil {
		vk.DestroyDescriptorSetLayout(h.d.dev, h.layout, nil)
		// Note that h.pool is never cleared by New, just replaced.
		if len(h.sets) != 0 {
			vk.DestroyDescriptorPool(h.d.dev, h.pool, nil)
		}
	}
	*h = descHeap{}
}

// typeOf returns the vk.DescriptorType of the descriptor in h
// identified by the binding descNr.
func (h *descHeap) typeOf(descNr int) vk.DescriptorType {
	var typ vk.DescriptorType
	for i := range h.ds {
		if h.ds[i].Nr != descNr {
			continue
		}
		switch h.ds[i].Type {
		case driver.DBuffer:
			typ = vk.DescriptorTypeStorageBuffer
		case driver.DImage:
			typ = vk.DescriptorTypeStorageImage
		case driver.DConstant:
			typ = vk.DescriptorTypeUniformBuffer
		case driver.DTexture:
			typ = vk.DescriptorTypeSampledImage
		case driver.DSampler:
			typ = vk.DescriptorTypeSampler
		}
		break
	}
	return typ
}

// descTable implements driver.DescTable.
type descTable struct {
	d      *Driver
	h      []*descHeap
	layout vk.PipelineLayout
}

// NewDescTable creates a new descriptor table.
func (d *Driver) NewDescTable(dh []driver.DescHeap) (driver.DescTable, error) {
	h := make([]*descHeap, len(dh))
	layouts := make([]vk.DescriptorSetLayout, len(dh))
	for i := range h {
		h[i] = dh[i].(*descHeap)
		layouts[i] = h[i].layout
	}
	info := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(layouts)),
		PSetLayouts:    layouts,
	}
	var layout vk.PipelineLayout
	if err := checkResult(vk.CreatePipelineLayout(d.dev, &info, nil, &layout)); err != nil {
		return nil, err
	}
	return &descTable{d: d, h: h, layout: layout}, nil
}

// Destroy destroys the descriptor table.
func (t *descTable) Destroy() {
	if t == nil {
		return
	}
	if t.d != nil {
		vk.DestroyPipelineLayout(t.d.dev, t.layout, nil)
	}
	*t = descTable{}
}

// convStage converts a driver.Stage to a vk.ShaderStageFlagBits.
func convStage(stg driver.Stage) (flags vk.ShaderStageFlagBits) {
	if stg&driver.SCompute != 0 {
		flags |= vk.ShaderStageComputeBit
	}
	return
}
