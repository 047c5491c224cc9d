// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	vk "github.com/goki/vulkan"

	"vulkanfx/vkcore/driver"
)

// sampler implements driver.Sampler.
type sampler struct {
	d    *Driver
	splr vk.Sampler
}

// NewSampler creates a new sampler.
func (d *Driver) NewSampler(spln *driver.Sampling) (driver.Sampler, error) {
	info := vk.SamplerCreateInfo{
		SType:        vk.StructureTypeSamplerCreateInfo,
		MagFilter:    convFilter(spln.Mag),
		MinFilter:    convFilter(spln.Min),
		AddressModeU: convAddrMode(spln.AddrU),
		AddressModeV: convAddrMode(spln.AddrV),
		AddressModeW: vk.SamplerAddressModeClampToEdge,
		BorderColor:  vk.BorderColorFloatOpaqueBlack,
	}
	var splr vk.Sampler
	if err := checkResult(vk.CreateSampler(d.dev, &info, nil, &splr)); err != nil {
		return nil, err
	}
	return &sampler{d: d, splr: splr}, nil
}

// Destroy destroys the sampler.
func (s *sampler) Destroy() {
	if s == nil {
		return
	}
	if s.d != nil {
		vk.DestroySampler(s.d.dev, s.splr, nil)
	}
	*s = sampler{}
}

// convFilter converts a driver.Filter to a vk.Filter.
func convFilter(f driver.Filter) vk.Filter {
	switch f {
	case driver.FNearest:
		return vk.FilterNearest
	case driver.FLinear:
		return vk.FilterLinear
	}
	// Expected to be unreachable.
	return vk.FilterNearest
}

// convAddrMode converts a driver.AddrMode to a vk.SamplerAddressMode.
func convAddrMode(am driver.AddrMode) vk.SamplerAddressMode {
	switch am {
	case driver.AWrap:
		return vk.SamplerAddressModeRepeat
	case driver.AMirror:
		return vk.SamplerAddressModeMirroredRepeat
	case driver.AClamp:
		return vk.SamplerAddressModeClampToEdge
	}
	// Expected to be unreachable.
	return vk.SamplerAddressModeClampToEdge
}
