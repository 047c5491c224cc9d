// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package shader

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vulkanfx/vkcore/driver"
	"vulkanfx/vkcore/option"
)

// buildModule assembles a minimal SPIR-V module: header plus the
// given instruction words (each instruction already includes its
// own word-count/opcode header word).
func buildModule(instrs ...[]uint32) []byte {
	words := []uint32{spirvMagic, 0x00010300, 0, 16, 0}
	for _, in := range instrs {
		words = append(words, in...)
	}
	b := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	return b
}

func instr(opcode uint32, args ...uint32) []uint32 {
	wc := uint32(len(args) + 1)
	return append([]uint32{wc<<16 | opcode}, args...)
}

func TestReflectStorageBufferBinding(t *testing.T) {
	const float, strct, ptr, v = 1, 2, 3, 4
	mod := buildModule(
		instr(opDecorate, v, decorationBinding, 0),
		instr(opDecorate, v, decorationDescriptorSet, 0),
		instr(opTypeFloat, float, 32),
		instr(opTypeStruct, strct, float),
		instr(opDecorate, strct, decorationBufferBlock),
		instr(opTypePointer, ptr, storageStorageBuffer, strct),
		instr(opVariable, ptr, v, storageStorageBuffer),
	)
	info, err := ReflectSPIRV(mod)
	require.NoError(t, err)
	require.Len(t, info.Bindings, 1)
	assert.Equal(t, driver.DBuffer, info.Bindings[0].Type)
	assert.Equal(t, uint32(0), info.Bindings[0].Nr)
}

func TestReflectStorageImageBinding(t *testing.T) {
	const img, ptr, v = 1, 2, 3
	mod := buildModule(
		instr(opDecorate, v, decorationBinding, 1),
		instr(opDecorate, v, decorationDescriptorSet, 0),
		instr(opTypeImage, img, 0, 1, 0, 0, 0, 2, 0),
		instr(opTypePointer, ptr, storageUniformConstant, img),
		instr(opVariable, ptr, v, storageUniformConstant),
	)
	info, err := ReflectSPIRV(mod)
	require.NoError(t, err)
	require.Len(t, info.Bindings, 1)
	assert.Equal(t, driver.DImage, info.Bindings[0].Type)
}

func TestReflectRejectsBadMagic(t *testing.T) {
	bad := make([]byte, 20)
	_, err := ReflectSPIRV(bad)
	assert.Error(t, err)
}

func TestReflectRejectsBindingOverflow(t *testing.T) {
	const strct, ptr, v = 1, 2, 3
	mod := buildModule(
		instr(opDecorate, v, decorationBinding, 32),
		instr(opDecorate, v, decorationDescriptorSet, 0),
		instr(opTypeStruct, strct),
		instr(opDecorate, strct, decorationBufferBlock),
		instr(opTypePointer, ptr, storageStorageBuffer, strct),
		instr(opVariable, ptr, v, storageStorageBuffer),
	)
	_, err := ReflectSPIRV(mod)
	assert.Error(t, err)
}

func TestCompileGLSLDerivesSpecConstants(t *testing.T) {
	mod := buildModule()
	opt := &option.Option{UseFP16Storage: true, UseSubgroupBasic: true}
	_, spec, err := CompileGLSL(mod, opt)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), spec[0]) // UseFP16Storage
	assert.Equal(t, uint32(0), spec[1]) // UseFP16Arithmetic
	assert.Equal(t, uint32(1), spec[6]) // UseSubgroupBasic
}

func TestCompileGLSLRejectsBadMagic(t *testing.T) {
	_, _, err := CompileGLSL(make([]byte, 20), option.Default())
	assert.Error(t, err)
}
