// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package shader prepares compute shader SPIR-V for the pipeline
// cache: compiling GLSL sources to SPIR-V (or accepting an
// already-compiled module outright), deriving feature-gated
// specialization values from an option.Option, and reflecting a
// module's bindings and push-constant layout so the recorder can
// drive descriptor updates without a second source of truth.
package shader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"vulkanfx/vkcore"
	"vulkanfx/vkcore/driver"
	"vulkanfx/vkcore/option"
)

const spirvMagic = 0x07230203

// CompileGLSL turns src into a SPIR-V module plus the
// specialization-constant values opt's feature flags imply
// (fp16/int8/subgroup/packing toggles, in the fixed order the
// packing and operator shaders expect them).
//
// If src is already a valid SPIR-V module (its first word is the
// magic number), it is accepted unchanged: the packing and
// operator kernels ship as fixed, known-good pre-compiled
// modules, and there is no reason to round-trip them through a
// compiler. Otherwise src is treated as GLSL compute-shader
// source: it is given a #define prelude derived from opt (the
// same elempack/fp16/int8 macro-gating ncnn's shaders use) and
// compiled by shelling out to glslangValidator, the same external
// compiler gio's cmd/compile tool invokes for its own GLSL
// kernels — no pack repo carries a pure-Go GLSL front end, so
// this runtime relies on the Vulkan SDK's compiler being on PATH.
// A missing or failing glslangValidator, a GLSL syntax error, an
// unsupported macro combination, or a missing required feature
// all surface as ShaderCompileError.
func CompileGLSL(src []byte, opt *option.Option) ([]byte, []uint32, error) {
	if opt == nil {
		opt = option.Default()
	}
	spec := specConstants(opt)

	if len(src) >= 20 && len(src)&3 == 0 && isSPIRV(src) {
		return src, spec, nil
	}

	spirv, err := compileGLSLWithGlslang(src, opt)
	if err != nil {
		return nil, nil, err
	}
	return spirv, spec, nil
}

func isSPIRV(src []byte) bool {
	return binary.LittleEndian.Uint32(src) == spirvMagic || binary.BigEndian.Uint32(src) == spirvMagic
}

func specConstants(opt *option.Option) []uint32 {
	return []uint32{
		boolU32(opt.UseFP16Storage),
		boolU32(opt.UseFP16Arithmetic),
		boolU32(opt.UseInt8Storage),
		boolU32(opt.UseInt8Arithmetic),
		boolU32(opt.UsePackingLayout),
		boolU32(opt.UseShaderPack8),
		boolU32(opt.UseSubgroupBasic),
		boolU32(opt.UseImageStorage),
	}
}

// glslPrelude builds the #define block gating which codegen path
// a kernel's GLSL takes, mirroring ncnn's psc()/afp/sfp macro
// family: fp16 and int8 storage/arithmetic, 8-wide elempack, and
// image- vs buffer-backed tensors are each macro-gated so one
// shader source serves every feature combination.
func glslPrelude(opt *option.Option) []byte {
	var b bytes.Buffer
	def := func(name string, v bool) {
		if v {
			fmt.Fprintf(&b, "#define %s 1\n", name)
		}
	}
	def("USE_FP16_STORAGE", opt.UseFP16Storage)
	def("USE_FP16_ARITHMETIC", opt.UseFP16Arithmetic)
	def("USE_INT8_STORAGE", opt.UseInt8Storage)
	def("USE_INT8_ARITHMETIC", opt.UseInt8Arithmetic)
	def("USE_SHADER_PACK8", opt.UseShaderPack8)
	def("USE_IMAGE_STORAGE", opt.UseImageStorage)
	def("USE_SUBGROUP_BASIC", opt.UseSubgroupBasic)
	return b.Bytes()
}

// compileGLSLWithGlslang shells out to glslangValidator, feeding
// it opt's macro prelude followed by glsl on stdin and reading
// the compiled module back from a temp file. Compiler diagnostics
// on stderr are captured into the returned error's Log.
func compileGLSLWithGlslang(glsl []byte, opt *option.Option) ([]byte, error) {
	dir, err := os.MkdirTemp("", "vkcore-shader-*")
	if err != nil {
		return nil, &vkcore.Error{Kind: vkcore.ShaderCompileError, Log: err.Error()}
	}
	defer os.RemoveAll(dir)
	out := filepath.Join(dir, "module.spv")

	cmd := exec.Command("glslangValidator", "-V", "-o", out, "--stdin", "-S", "comp")
	cmd.Stdin = bytes.NewReader(append(glslPrelude(opt), glsl...))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		log := stderr.String()
		if log == "" {
			log = err.Error()
		}
		return nil, &vkcore.Error{Kind: vkcore.ShaderCompileError, Log: log}
	}

	spirv, err := os.ReadFile(out)
	if err != nil {
		return nil, &vkcore.Error{Kind: vkcore.ShaderCompileError, Log: err.Error()}
	}
	if len(spirv) < 20 || len(spirv)&3 != 0 || !isSPIRV(spirv) {
		return nil, &vkcore.Error{Kind: vkcore.ShaderCompileError, Log: "glslangValidator produced no SPIR-V module"}
	}
	return spirv, nil
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Binding describes one resource binding extracted from a
// reflected SPIR-V module.
type Binding struct {
	Set     uint32
	Nr      uint32
	Type    driver.DescType
	ArrayLen int
}

// ShaderInfo is the reflection result for a compiled module:
// specialization constants, the push-constant block size (in
// bytes, 0 if none), and the classified resource bindings.
type ShaderInfo struct {
	SpecConstants  int
	PushConstBytes int
	Bindings       []Binding
}

// maxBinding is the implementation-defined binding index
// ceiling the descriptor heap enforces.
const maxBinding = 32

// SPIR-V opcodes used during reflection.
const (
	opSource              = 3
	opName                = 5
	opMemberName          = 6
	opExtInstImport        = 11
	opMemberDecorate      = 72
	opDecorate            = 71
	opTypeVoid            = 19
	opTypeBool            = 20
	opTypeInt             = 21
	opTypeFloat           = 22
	opTypeVector          = 23
	opTypeMatrix          = 24
	opTypeImage           = 25
	opTypeSampler         = 26
	opTypeSampledImage    = 27
	opTypeArray           = 28
	opTypeRuntimeArray    = 29
	opTypeStruct          = 30
	opTypePointer         = 32
	opSpecConstantTrue    = 48
	opSpecConstantFalse   = 49
	opSpecConstant        = 50
	opSpecConstantComposite = 51
	opSpecConstantOp      = 52
	opVariable            = 59
)

// SPIR-V Decoration enumerants used during reflection.
const (
	decorationBlock         = 2
	decorationBufferBlock   = 3
	decorationBinding       = 33
	decorationDescriptorSet = 34
)

// SPIR-V StorageClass enumerants used during reflection.
const (
	storageUniformConstant = 0
	storageUniform         = 2
	storagePushConstant    = 9
	storageStorageBuffer   = 12
)

type typeKind int

const (
	kindOther typeKind = iota
	kindImage
	kindSampledImage
	kindSampler
	kindStruct
	kindPointer
)

type typeInfo struct {
	kind      typeKind
	sampled   uint32 // OpTypeImage's Sampled operand (1=texture, 2=storage)
	pointee   uint32 // OpTypePointer's pointee type id
	storage   uint32 // OpTypePointer's storage class
	nmembers  int    // OpTypeStruct member count
	blockDeco int    // 0=none, decorationBlock or decorationBufferBlock, set via OpDecorate
}

// ReflectSPIRV walks spirv's instruction stream and classifies
// its resource bindings and push-constant block. It fails with
// ShaderReflectError on a malformed module or if any binding
// index is >= maxBinding.
func ReflectSPIRV(spirv []byte) (*ShaderInfo, error) {
	if len(spirv) < 20 || len(spirv)&3 != 0 {
		return nil, &vkcore.Error{Kind: vkcore.ShaderReflectError, Log: "truncated SPIR-V module"}
	}
	words := bytesToWords(spirv)
	if words[0] != spirvMagic {
		return nil, &vkcore.Error{Kind: vkcore.ShaderReflectError, Log: "bad SPIR-V magic number"}
	}

	types := map[uint32]*typeInfo{}
	varStorage := map[uint32]uint32{}  // var id -> storage class
	varType := map[uint32]uint32{}     // var id -> result type id (pointer type)
	bindingOf := map[uint32]uint32{}   // id -> binding literal
	setOf := map[uint32]uint32{}       // id -> descriptor-set literal
	specConsts := map[uint32]bool{}

	i := 5 // skip header: magic, version, generator, bound, schema
	for i < len(words) {
		word0 := words[i]
		op := word0 & 0xffff
		wc := int(word0 >> 16)
		if wc == 0 || i+wc > len(words) {
			return nil, &vkcore.Error{Kind: vkcore.ShaderReflectError, Log: "corrupt instruction stream"}
		}
		args := words[i+1 : i+wc]

		switch op {
		case opDecorate:
			target := args[0]
			deco := args[1]
			switch deco {
			case decorationBinding:
				bindingOf[target] = args[2]
			case decorationDescriptorSet:
				setOf[target] = args[2]
			case decorationBlock, decorationBufferBlock:
				t := ensureType(types, target)
				t.blockDeco = int(deco)
			}
		case opTypeImage:
			t := ensureType(types, args[0])
			t.kind = kindImage
			if len(args) > 6 {
				t.sampled = args[6]
			}
		case opTypeSampledImage:
			t := ensureType(types, args[0])
			t.kind = kindSampledImage
		case opTypeSampler:
			t := ensureType(types, args[0])
			t.kind = kindSampler
		case opTypeStruct:
			t := ensureType(types, args[0])
			t.kind = kindStruct
			t.nmembers = len(args) - 1
		case opTypePointer:
			t := ensureType(types, args[0])
			t.kind = kindPointer
			t.storage = args[1]
			t.pointee = args[2]
		case opVariable:
			resultType, resultID, storageClass := args[0], args[1], args[2]
			varType[resultID] = resultType
			varStorage[resultID] = storageClass
		case opSpecConstant, opSpecConstantTrue, opSpecConstantFalse, opSpecConstantComposite, opSpecConstantOp:
			specConsts[args[0]] = true
		}
		i += wc
	}

	info := &ShaderInfo{SpecConstants: len(specConsts)}
	for varID, storage := range varStorage {
		ptrTypeID := varType[varID]
		ptrType, ok := types[ptrTypeID]
		if !ok || ptrType.kind != kindPointer {
			continue
		}
		pointee, ok := types[ptrType.pointee]

		switch storage {
		case storagePushConstant:
			if ok && pointee.kind == kindStruct {
				info.PushConstBytes += pointee.nmembers * 4 // conservative, word-granularity estimate
			}
		case storageUniformConstant:
			if !ok {
				continue
			}
			nr, hasBinding := bindingOf[varID]
			if !hasBinding {
				continue
			}
			if nr >= maxBinding {
				return nil, &vkcore.Error{Kind: vkcore.ShaderReflectError, Log: "binding index exceeds maximum"}
			}
			var dt driver.DescType
			switch pointee.kind {
			case kindImage:
				if pointee.sampled == 1 {
					dt = driver.DTexture
				} else {
					dt = driver.DImage
				}
			case kindSampledImage:
				dt = driver.DTexture
			case kindSampler:
				dt = driver.DSampler
			default:
				continue
			}
			info.Bindings = append(info.Bindings, Binding{Set: setOf[varID], Nr: nr, Type: dt})
		case storageUniform, storageStorageBuffer:
			nr, hasBinding := bindingOf[varID]
			if !hasBinding || !ok || pointee.kind != kindStruct {
				continue
			}
			if nr >= maxBinding {
				return nil, &vkcore.Error{Kind: vkcore.ShaderReflectError, Log: "binding index exceeds maximum"}
			}
			dt := driver.DConstant
			if storage == storageStorageBuffer || pointee.blockDeco == decorationBufferBlock {
				dt = driver.DBuffer
			}
			info.Bindings = append(info.Bindings, Binding{Set: setOf[varID], Nr: nr, Type: dt})
		}
	}
	return info, nil
}

func ensureType(types map[uint32]*typeInfo, id uint32) *typeInfo {
	t, ok := types[id]
	if !ok {
		t = &typeInfo{}
		types[id] = t
	}
	return t
}

// bytesToWords decodes a little-endian SPIR-V byte stream into
// 32-bit words.
func bytesToWords(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}
