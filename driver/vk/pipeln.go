// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"unsafe"

	vk "github.com/goki/vulkan"

	"vulkanfx/vkcore/driver"
)

// cstr returns s as a NUL-terminated byte slice, suitable for use as
// a PName field in the goki/vulkan bindings.
func cstr(s string) string { return s + "\x00" }

// freeCstr is a no-op placeholder kept for symmetry with the
// malloc/free pattern the cgo-based implementation used; the
// pure-Go binding has no manual string memory to release.
func freeCstr(string) {}

// pipeline implements driver.Pipeline.
type pipeline struct {
	d  *Driver
	pl vk.Pipeline
}

// NewPipeline creates a new compute pipeline.
func (d *Driver) NewPipeline(cs *driver.CompState) (driver.Pipeline, error) {
	p := &pipeline{d: d}
	var layout vk.PipelineLayout
	if cs.Desc == nil {
		// This is unlikely to happen for compute, since the shader
		// would have no resource to read from nor write to.
		desc, err := d.NewDescTable(nil)
		if err != nil {
			return nil, err
		}
		defer desc.Destroy()
		layout = desc.(*descTable).layout
	} else {
		layout = cs.Desc.(*descTable).layout
	}

	stage := vk.PipelineShaderStageCreateInfo{
		SType:  vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:  vk.ShaderStageComputeBit,
		Module: cs.Func.Code.(*shaderCode).mod,
		PName:  cstr(cs.Func.Name),
	}
	defer freeCstr(stage.PName)

	if len(cs.SpecNr) > 0 {
		entries := make([]vk.SpecializationMapEntry, len(cs.SpecNr))
		for i, nr := range cs.SpecNr {
			entries[i] = vk.SpecializationMapEntry{
				ConstantID: nr,
				Offset:     uint32(i * 4),
				Size:       uint(unsafe.Sizeof(uint32(0))),
			}
		}
		data := make([]byte, len(cs.SpecVal)*4)
		for i, v := range cs.SpecVal {
			data[i*4] = byte(v)
			data[i*4+1] = byte(v >> 8)
			data[i*4+2] = byte(v >> 16)
			data[i*4+3] = byte(v >> 24)
		}
		info := &vk.SpecializationInfo{
			MapEntryCount: uint32(len(entries)),
			PMapEntries:   entries,
			Datasize:      uint(len(data)),
			PData:         unsafe.Pointer(&data[0]),
		}
		stage.PSpecializationInfo = info
	}

	info := vk.ComputePipelineCreateInfo{
		SType:             vk.StructureTypeComputePipelineCreateInfo,
		Stage:             stage,
		Layout:            layout,
		BasePipelineIndex: -1,
	}
	var cache vk.PipelineCache
	pls := make([]vk.Pipeline, 1)
	if err := checkResult(vk.CreateComputePipelines(d.dev, cache, 1, []vk.ComputePipelineCreateInfo{info}, nil, pls)); err != nil {
		return nil, err
	}
	p.pl = pls[0]
	return p, nil
}

// Destroy destroys the pipeline.
func (p *pipeline) Destroy() {
	if p == nil {
		return
	}
	if p.d != nil {
		vk.DestroyPipeline(p.d.dev, p.pl, nil)
	}
	*p = pipeline{}
}
