// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package packing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vulkanfx/vkcore/driver"
	"vulkanfx/vkcore/mat"
	"vulkanfx/vkcore/option"
	"vulkanfx/vkcore/pipelinecache"
)

type fakeGPU struct {
	driver.GPU
	lim driver.Limits
}

func (g *fakeGPU) Limits() driver.Limits { return g.lim }

func newSelector(t *testing.T, opt *option.Option, src Source) *Selector {
	gpu := &fakeGPU{lim: driver.Limits{MaxWorkgrpSize: [3]int{1024, 1024, 64}, MaxWorkgrpInvoc: 1024}}
	return NewSelector(gpu, pipelinecache.New(gpu), opt, src)
}

func TestSelectIdenticalFormatsAlias(t *testing.T) {
	s := newSelector(t, nil, func(string) ([]byte, error) { panic("should not be called") })
	f := Format{Pack: 4, Type: mat.F32, Storage: SBuffer}
	k, err := s.Select(f, f)
	require.NoError(t, err)
	assert.True(t, k.Alias)
}

func TestSelectRejectsUnsupportedPack(t *testing.T) {
	s := newSelector(t, nil, func(string) ([]byte, error) { panic("should not be called") })
	in := Format{Pack: 3, Type: mat.F32, Storage: SBuffer}
	out := Format{Pack: 4, Type: mat.F32, Storage: SBuffer}
	_, err := s.Select(in, out)
	assert.Error(t, err)
}

func TestSelectRejectsNonFloatCast(t *testing.T) {
	s := newSelector(t, nil, func(string) ([]byte, error) { panic("should not be called") })
	in := Format{Pack: 4, Type: mat.I8, Storage: SBuffer}
	out := Format{Pack: 4, Type: mat.F32, Storage: SBuffer}
	_, err := s.Select(in, out)
	assert.Error(t, err)
}

func TestSelectWithoutPaddingAliasesWhenOnlyPackDiffers(t *testing.T) {
	opt := &option.Option{UsePadding: false}
	s := newSelector(t, opt, func(string) ([]byte, error) { panic("should not be called") })
	in := Format{Pack: 1, Type: mat.F32, Storage: SBuffer}
	out := Format{Pack: 4, Type: mat.F32, Storage: SBuffer}
	k, err := s.Select(in, out)
	require.NoError(t, err)
	assert.True(t, k.Alias)
}

func TestSelectWithoutPaddingFailsWhenTypeAlsoDiffers(t *testing.T) {
	opt := &option.Option{UsePadding: false}
	s := newSelector(t, opt, func(string) ([]byte, error) { panic("should not be called") })
	in := Format{Pack: 1, Type: mat.F32, Storage: SBuffer}
	out := Format{Pack: 4, Type: mat.F16, Storage: SBuffer}
	_, err := s.Select(in, out)
	assert.Error(t, err)
}

func TestKernelNameNamesRepackCastAndStorageChange(t *testing.T) {
	in := Format{Pack: 1, Type: mat.F32, Storage: SBuffer}
	out := Format{Pack: 4, Type: mat.F16, Storage: SImage}
	name, local, spec, err := kernelName(in, out)
	require.NoError(t, err)
	assert.Equal(t, "packing_pack1to4_fp32tofp16_buffertoimage", name)
	assert.Equal(t, [3]int{64, 1, 1}, local)
	assert.Equal(t, uint32(4), spec[0])
}

func TestKernelNameRejectsUnlistedPackPair(t *testing.T) {
	in := Format{Pack: 1, Type: mat.F32, Storage: SBuffer}
	out := Format{Pack: 1, Type: mat.F32, Storage: SBuffer}
	out.Pack = 7
	_, _, _, err := kernelName(in, out)
	assert.Error(t, err)
}
