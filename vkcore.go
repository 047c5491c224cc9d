// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package vkcore defines the error taxonomy shared by every
// package of the compute runtime (driver, alloc, mat,
// pipelinecache, recorder, packing, operator).
package vkcore

import "fmt"

// Kind identifies the class of an Error.
type Kind int

// Recognized error kinds.
const (
	// NoDevice means that no compatible GPU was found.
	NoDevice Kind = iota
	// DeviceLost means that the driver reported device loss.
	// All cached state derived from the device is invalidated.
	DeviceLost
	// AllocError means that an allocator returned no memory.
	AllocError
	// ShaderCompileError means that GLSL-to-SPIR-V compilation failed.
	ShaderCompileError
	// ShaderReflectError means that SPIR-V reflection failed.
	ShaderReflectError
	// SubmitError means that a queue submission returned a
	// driver error.
	SubmitError
	// Timeout means that a wait operation exceeded its deadline.
	Timeout
	// ShapeMismatch means that operation inputs do not conform.
	ShapeMismatch
	// UnsupportedFeature means that an Option requested a
	// capability the device does not have.
	UnsupportedFeature
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case NoDevice:
		return "no device"
	case DeviceLost:
		return "device lost"
	case AllocError:
		return "alloc error"
	case ShaderCompileError:
		return "shader compile error"
	case ShaderReflectError:
		return "shader reflect error"
	case SubmitError:
		return "submit error"
	case Timeout:
		return "timeout"
	case ShapeMismatch:
		return "shape mismatch"
	case UnsupportedFeature:
		return "unsupported feature"
	}
	return "unknown error"
}

// Error is the tagged-variant error type returned throughout
// the runtime. Fields beyond Kind and Err are optional and
// only set by the call sites that have the relevant data.
type Error struct {
	Kind Kind
	// Err wraps an underlying cause, if any (e.g., a
	// driver-level error returned by driver/vk).
	Err error
	// Bytes is set for AllocError: the requested size.
	Bytes int64
	// Expected/Actual are set for ShapeMismatch.
	Expected, Actual string
	// Feature is set for UnsupportedFeature.
	Feature string
	// Log is set for ShaderCompileError and ShaderReflectError:
	// the compiler's or reflector's diagnostic output, or the
	// name of a kernel whose source could not be fetched.
	Log string
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch e.Kind {
	case AllocError:
		return fmt.Sprintf("vkcore: %s (%d bytes)", e.Kind, e.Bytes)
	case ShapeMismatch:
		return fmt.Sprintf("vkcore: %s (expected %s, got %s)", e.Kind, e.Expected, e.Actual)
	case UnsupportedFeature:
		return fmt.Sprintf("vkcore: %s (%s)", e.Kind, e.Feature)
	case ShaderCompileError, ShaderReflectError:
		if e.Log != "" {
			return fmt.Sprintf("vkcore: %s: %s", e.Kind, e.Log)
		}
	}
	if e.Err != nil {
		return fmt.Sprintf("vkcore: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("vkcore: %s", e.Kind)
}

// Unwrap returns the wrapped error, if any, enabling errors.Is
// and errors.As to see through an *Error to its cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind,
// enabling errors.Is(err, &vkcore.Error{Kind: vkcore.Timeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New creates an *Error of the given kind wrapping err.
func New(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }
