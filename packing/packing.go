// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package packing selects the fixed intrinsic compute kernel
// that converts between two image-tensor storage formats: a
// change of element packing (1/4/8-wide), a change of element
// type (fp16/fp32), a change of storage class (buffer/image), or
// any combination of the three. The kernels themselves are fixed
// SPIR-V modules supplied by the host program through a Source
// function; this package only names the one needed and drives it
// through the pipeline cache.
package packing

import (
	"fmt"

	"vulkanfx/vkcore"
	"vulkanfx/vkcore/driver"
	"vulkanfx/vkcore/mat"
	"vulkanfx/vkcore/option"
	"vulkanfx/vkcore/pipelinecache"
	"vulkanfx/vkcore/shader"
)

// Storage is the storage class a Format's elements live in.
type Storage int

// Recognized storage classes.
const (
	SBuffer Storage = iota
	SImage
)

// Format describes the layout of an image tensor's elements:
// how many are packed per vector lane, their element type, and
// which storage class backs them.
type Format struct {
	Pack    int
	Type    mat.Type
	Storage Storage
}

// validPacks lists the packing widths the catalog has kernels
// for.
var validPacks = map[int]bool{1: true, 4: true, 8: true}

// Source supplies the SPIR-V bytes for a named intrinsic
// packing/cast kernel. The host program wires this to however it
// ships the kernel binaries (embedded assets, a resource pack,
// etc.); this package only knows the naming scheme.
type Source func(name string) ([]byte, error)

// Kernel is the result of a Select call: either a ready-to-bind
// cache entry, or Alias set, meaning the caller should treat src
// and dst as the same storage with no dispatch at all.
type Kernel struct {
	Name  string
	Alias bool
	Entry *pipelinecache.Entry
}

// Selector resolves (in, out) Format pairs to Kernels, memoizing
// compiled pipelines through cache.
type Selector struct {
	gpu    driver.GPU
	cache  *pipelinecache.Cache
	opt    *option.Option
	source Source
}

// NewSelector creates a Selector. opt may be nil, in which case
// option.Default() applies (UsePadding enabled).
func NewSelector(gpu driver.GPU, cache *pipelinecache.Cache, opt *option.Option, source Source) *Selector {
	if opt == nil {
		opt = option.Default()
	}
	return &Selector{gpu: gpu, cache: cache, opt: opt, source: source}
}

// Select returns the Kernel that converts a tensor from in to
// out. Identical formats short-circuit to a zero-copy Alias.
func (s *Selector) Select(in, out Format) (*Kernel, error) {
	if in == out {
		return &Kernel{Name: "alias", Alias: true}, nil
	}
	if !validPacks[in.Pack] || !validPacks[out.Pack] {
		return nil, &vkcore.Error{Kind: vkcore.ShapeMismatch, Expected: "elempack 1, 4 or 8", Actual: fmt.Sprintf("elempack %d to %d", in.Pack, out.Pack)}
	}
	if out.Pack > in.Pack && !s.opt.UsePadding {
		// A larger output pack can introduce trailing padding
		// elements the input does not have; without padding
		// enabled, the only legal move is an alias, and an alias
		// is only valid when every other field also matches.
		if in.Type == out.Type && in.Storage == out.Storage {
			return &Kernel{Name: "alias", Alias: true}, nil
		}
		return nil, &vkcore.Error{Kind: vkcore.ShapeMismatch, Expected: "a conversion that does not pad beyond the input extent", Actual: fmt.Sprintf("elempack %d to %d", in.Pack, out.Pack)}
	}

	name, local, spec, err := kernelName(in, out)
	if err != nil {
		return nil, err
	}

	src, err := s.source(name)
	if err != nil {
		return nil, &vkcore.Error{Kind: vkcore.ShaderCompileError, Err: err, Log: name}
	}
	spirv, specVals, err := shader.CompileGLSL(src, s.opt)
	if err != nil {
		return nil, err
	}
	digest := pipelinecache.Digest(bytesToWords(spirv))

	build := func() (driver.Pipeline, *shader.ShaderInfo, error) {
		info, err := shader.ReflectSPIRV(spirv)
		if err != nil {
			return nil, nil, err
		}
		code, err := s.gpu.NewShaderCode(spirv)
		if err != nil {
			return nil, nil, err
		}
		table, err := s.gpu.NewDescTable(nil)
		if err != nil {
			return nil, nil, err
		}
		pl, err := s.gpu.NewPipeline(&driver.CompState{
			Func:    driver.ShaderFunc{Code: code, Name: "main"},
			Desc:    table,
			SpecVal: append(append([]uint32{}, specVals...), spec...),
			Workgrp: local,
		})
		if err != nil {
			return nil, nil, err
		}
		return pl, info, nil
	}

	entry, err := s.cache.Get(digest, append(append([]uint32{}, specVals...), spec...), local, build)
	if err != nil {
		return nil, err
	}
	return &Kernel{Name: name, Entry: entry}, nil
}

// kernelName derives the intrinsic shader name and the
// specialization values it expects, for the conversion from in
// to out: a {elem_pack}to{elem_pack} repack (only for the
// 1-4-8 combinations the catalog covers), a
// {type}to{type} cast restricted to fp16/fp32, and a
// {storage}to{storage} suffix when the storage class changes.
func kernelName(in, out Format) (string, [3]int, []uint32, error) {
	const local = 64
	packPair := [2]int{in.Pack, out.Pack}
	if in.Pack != out.Pack && !validPackPair(packPair) {
		return "", [3]int{}, nil, &vkcore.Error{Kind: vkcore.ShapeMismatch, Expected: "a pack pair with a repack kernel", Actual: fmt.Sprintf("elempack %d to %d", in.Pack, out.Pack)}
	}
	typeChange := in.Type != out.Type
	if typeChange && !isFloatCast(in.Type, out.Type) {
		return "", [3]int{}, nil, &vkcore.Error{Kind: vkcore.UnsupportedFeature, Feature: "casts other than fp16/fp32"}
	}

	name := fmt.Sprintf("packing_pack%d", in.Pack)
	if in.Pack != out.Pack {
		name = fmt.Sprintf("packing_pack%dto%d", in.Pack, out.Pack)
	}
	if typeChange {
		name += "_" + typeSuffix(in.Type) + "to" + typeSuffix(out.Type)
	}
	if in.Storage != out.Storage {
		name += "_" + storageSuffix(in.Storage) + "to" + storageSuffix(out.Storage)
	}

	spec := []uint32{uint32(out.Pack), boolU32(in.Storage == SImage), boolU32(out.Storage == SImage)}
	return name, [3]int{local, 1, 1}, spec, nil
}

func validPackPair(p [2]int) bool {
	switch p {
	case [2]int{1, 4}, [2]int{4, 1}, [2]int{1, 8}, [2]int{8, 1}, [2]int{4, 8}, [2]int{8, 4}, [2]int{1, 1}, [2]int{4, 4}, [2]int{8, 8}:
		return true
	}
	return false
}

func isFloatCast(a, b mat.Type) bool {
	isF := func(t mat.Type) bool { return t == mat.F16 || t == mat.F32 }
	return isF(a) && isF(b)
}

func typeSuffix(t mat.Type) string {
	switch t {
	case mat.F16:
		return "fp16"
	case mat.F32:
		return "fp32"
	default:
		return "raw"
	}
}

func storageSuffix(s Storage) string {
	if s == SImage {
		return "image"
	}
	return "buffer"
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// bytesToWords decodes a little-endian byte slice into 32-bit
// words for Digest, mirroring shader.bytesToWords without
// exporting it from that package.
func bytesToWords(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
	}
	return out
}
