// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"errors"
	"unsafe"

	vk "github.com/goki/vulkan"

	"vulkanfx/vkcore/driver"
)

// shaderCode implements driver.ShaderCode.
type shaderCode struct {
	d   *Driver
	mod vk.ShaderModule
}

// NewShaderCode creates a new shader code.
// data must contain a valid SPIR-V module, as produced by
// shader.CompileGLSL.
func (d *Driver) NewShaderCode(data []byte) (driver.ShaderCode, error) {
	n := len(data)
	// The Vulkan spec mandates that the code size be a multiple of four.
	if n == 0 || n&3 != 0 {
		return nil, errors.New("vk: invalid shader code size")
	}
	words := unsafe.Slice((*uint32)(unsafe.Pointer(&data[0])), n/4)
	info := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(n),
		PCode:    words,
	}
	var mod vk.ShaderModule
	if err := checkResult(vk.CreateShaderModule(d.dev, &info, nil, &mod)); err != nil {
		return nil, err
	}
	return &shaderCode{d: d, mod: mod}, nil
}

// Destroy destroys the shader code.
func (c *shaderCode) Destroy() {
	if c == nil {
		return
	}
	if c.d != nil {
		vk.DestroyShaderModule(c.d.dev, c.mod, nil)
	}
	*c = shaderCode{}
}
