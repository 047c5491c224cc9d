// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package option defines the device-runtime knobs consumed by
// the shader compiler, the pipeline cache and the command
// recorder.
package option

// Option holds every recognized knob. The zero value is valid:
// every flag is false, including UsePadding. Default returns the
// device defaults, which differ from the zero value only in
// UsePadding.
type Option struct {
	// fp16 codegen paths.
	UseFP16Packed     bool
	UseFP16Storage    bool
	UseFP16Arithmetic bool
	UseFP16Uniform    bool

	// int8 codegen paths.
	UseInt8Packed     bool
	UseInt8Storage    bool
	UseInt8Arithmetic bool
	UseInt8Uniform    bool

	// UseBF16Storage enables the bfloat16 storage path.
	UseBF16Storage bool

	// UsePackingLayout enables 4-wide elempack in shaders.
	// UseShaderPack8 further enables 8-wide elempack.
	UsePackingLayout bool
	UseShaderPack8   bool

	// Subgroup codegen features.
	UseSubgroupBasic   bool
	UseSubgroupVote    bool
	UseSubgroupBallot  bool
	UseSubgroupShuffle bool

	// UseImageStorage and UseTensorStorage select image-backed
	// over buffer-backed tensors when both are viable.
	UseImageStorage  bool
	UseTensorStorage bool

	// UseShaderLocalMemory enables shared-memory optimization
	// macros in generated shaders.
	UseShaderLocalMemory bool

	// UseCooperativeMatrix enables matrix intrinsics where the
	// device reports support for them.
	UseCooperativeMatrix bool

	// UseLocalPoolAllocator attaches a thread-local arena for
	// transient allocations instead of going through the
	// shared blob allocator.
	UseLocalPoolAllocator bool

	// UsePadding, when false, forbids the packing selector from
	// choosing a conversion that would introduce elements beyond
	// the input extent (e.g. a 1-to-4 elempack repack of a
	// length not divisible by 4); the selector aliases instead
	// where possible and fails otherwise. Default sets it to true,
	// which keeps every conversion available; it is false in the
	// zero value.
	UsePadding bool
}

// Default returns an Option with every feature flag at its
// device-default setting. UsePadding defaults to true; every
// other field is zero (use the device default).
func Default() *Option { return &Option{UsePadding: true} }
