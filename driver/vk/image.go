// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	vk "github.com/goki/vulkan"

	"vulkanfx/vkcore/driver"
)

// image implements driver.Image.
type image struct {
	m      *memory
	img    vk.Image
	fmt    vk.Format
	subres vk.ImageSubresourceRange
	layout vk.ImageLayout
}

// NewImage creates a new image.
func (d *Driver) NewImage(pf driver.PixelFmt, size driver.Dim3D, layers, levels, samples int, usg driver.Usage) (driver.Image, error) {
	format := convPixelFmt(pf)
	scount := convSamples(samples)

	var typ vk.ImageType
	switch {
	case size.Depth > 1:
		typ = vk.ImageType3d
	case size.Height > 1:
		typ = vk.ImageType2d
	default:
		typ = vk.ImageType1d
	}

	var usage vk.ImageUsageFlagBits
	if usg&(driver.UShaderRead|driver.UShaderWrite) != 0 {
		usage |= vk.ImageUsageStorageBit
	}
	if usg&driver.UShaderSample != 0 {
		usage |= vk.ImageUsageSampledBit
	}
	if usage == 0 {
		panic("cannot create image without a valid usage")
	}
	usage |= vk.ImageUsageTransferSrcBit
	usage |= vk.ImageUsageTransferDstBit

	info := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: typ,
		Format:    format,
		Extent: vk.Extent3D{
			Width:  uint32(size.Width),
			Height: uint32(size.Height),
			Depth:  uint32(size.Depth),
		},
		MipLevels:     uint32(levels),
		ArrayLayers:   uint32(layers),
		Samples:       scount,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(usage),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	var img vk.Image
	if err := checkResult(vk.CreateImage(d.dev, &info, nil, &img)); err != nil {
		return nil, err
	}

	var req vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.dev, img, &req)
	m, err := d.newMemory(req, false)
	if err != nil {
		vk.DestroyImage(d.dev, img, nil)
		return nil, err
	}
	if err := checkResult(vk.BindImageMemory(d.dev, img, m.mem, 0)); err != nil {
		m.free()
		vk.DestroyImage(d.dev, img, nil)
		return nil, err
	}
	m.bound = true

	im := &image{
		m:   m,
		img: img,
		fmt: format,
		subres: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LevelCount: uint32(levels),
			LayerCount: uint32(layers),
		},
		layout: info.InitialLayout,
	}
	if err = im.transition(); err != nil {
		im.Destroy()
		return nil, err
	}
	return im, nil
}

// transition transitions the image to the general layout, the layout
// every newly created image is expected to be in at the point it
// becomes reachable by the packing and recording layers.
func (im *image) transition() error {
	if im.layout == vk.ImageLayoutGeneral {
		return nil
	}
	ic, err := im.m.d.NewCmdBuffer()
	if err != nil {
		return err
	}
	cb := ic.(*cmdBuffer)
	defer cb.Destroy()
	if err := cb.Begin(); err != nil {
		return err
	}
	cb.transition(im, vk.ImageLayoutGeneral, 0, 0, 0, 0)
	if err := cb.End(); err != nil {
		return err
	}
	ch := make(chan error)
	go im.m.d.Commit([]driver.CmdBuffer{cb}, ch)
	err = <-ch
	if err == nil {
		im.layout = vk.ImageLayoutGeneral
	}
	return err
}

// Destroy destroys the image.
func (im *image) Destroy() {
	if im == nil {
		return
	}
	if im.m != nil {
		vk.DestroyImage(im.m.d.dev, im.img, nil)
		im.m.free()
	}
	*im = image{}
}

// imageView implements driver.ImageView.
type imageView struct {
	i      *image
	view   vk.ImageView
	subres vk.ImageSubresourceRange
}

// NewView creates a new image view.
func (im *image) NewView(typ driver.ViewType, layer, layers, level, levels int) (driver.ImageView, error) {
	var viewType vk.ImageViewType
	switch typ {
	case driver.IView1D:
		viewType = vk.ImageViewType1d
	case driver.IView2D:
		viewType = vk.ImageViewType2d
	case driver.IView3D:
		viewType = vk.ImageViewType3d
	case driver.IView1DArray:
		viewType = vk.ImageViewType1dArray
	case driver.IView2DArray:
		viewType = vk.ImageViewType2dArray
	}
	info := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    im.img,
		ViewType: viewType,
		Format:   im.fmt,
		Components: vk.ComponentMapping{
			R: vk.ComponentSwizzleIdentity,
			G: vk.ComponentSwizzleIdentity,
			B: vk.ComponentSwizzleIdentity,
			A: vk.ComponentSwizzleIdentity,
		},
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     im.subres.AspectMask,
			BaseMipLevel:   uint32(level),
			LevelCount:     uint32(levels),
			BaseArrayLayer: uint32(layer),
			LayerCount:     uint32(layers),
		},
	}
	var view vk.ImageView
	if err := checkResult(vk.CreateImageView(im.m.d.dev, &info, nil, &view)); err != nil {
		return nil, err
	}
	return &imageView{i: im, view: view, subres: info.SubresourceRange}, nil
}

// Destroy destroys the image view.
func (v *imageView) Destroy() {
	if v == nil {
		return
	}
	if v.i != nil {
		vk.DestroyImageView(v.i.m.d.dev, v.view, nil)
	}
	*v = imageView{}
}

// convPixelFmt converts a driver.PixelFmt to a vk.Format.
func convPixelFmt(pf driver.PixelFmt) vk.Format {
	if pf.IsInternal() {
		return vk.Format(^driver.FInternal & pf)
	}
	switch pf {
	case driver.RGBA8un:
		return vk.FormatR8g8b8a8Unorm
	case driver.RGBA8n:
		return vk.FormatR8g8b8a8Snorm
	case driver.RGBA8sRGB:
		return vk.FormatR8g8b8a8Srgb
	case driver.BGRA8un:
		return vk.FormatB8g8r8a8Unorm
	case driver.BGRA8sRGB:
		return vk.FormatB8g8r8a8Srgb
	case driver.RG8un:
		return vk.FormatR8g8Unorm
	case driver.RG8n:
		return vk.FormatR8g8Snorm
	case driver.R8un:
		return vk.FormatR8Unorm
	case driver.R8n:
		return vk.FormatR8Snorm
	case driver.RGBA16f:
		return vk.FormatR16g16b16a16Sfloat
	case driver.RG16f:
		return vk.FormatR16g16Sfloat
	case driver.R16f:
		return vk.FormatR16Sfloat
	case driver.RGBA32f:
		return vk.FormatR32g32b32a32Sfloat
	case driver.RG32f:
		return vk.FormatR32g32Sfloat
	case driver.R32f:
		return vk.FormatR32Sfloat
	case driver.R8ui:
		return vk.FormatR8Uint
	case driver.R16ui:
		return vk.FormatR16Uint
	case driver.R32ui:
		return vk.FormatR32Uint
	}
	// Expected to be unreachable.
	return vk.FormatUndefined
}

// internalFmt returns vf as an internal driver.PixelFmt.
func internalFmt(vf vk.Format) driver.PixelFmt { return driver.PixelFmt(vf) | driver.FInternal }

// convSamples converts a samples value to a vk.SampleCountFlagBits.
func convSamples(ns int) vk.SampleCountFlagBits {
	switch ns {
	case 1:
		return vk.SampleCount1Bit
	case 2:
		return vk.SampleCount2Bit
	case 4:
		return vk.SampleCount4Bit
	case 8:
		return vk.SampleCount8Bit
	case 16:
		return vk.SampleCount16Bit
	case 32:
		return vk.SampleCount32Bit
	case 64:
		return vk.SampleCount64Bit
	}
	// Expected to be unreachable.
	return vk.SampleCount1Bit
}
