// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package pipelinecache memoizes compiled compute pipelines
// keyed by their SPIR-V digest, specialization constants and
// workgroup size, guaranteeing at most one concurrent compile
// per key.
package pipelinecache

import (
	"hash/fnv"
	"sync"

	"golang.org/x/sync/singleflight"

	"vulkanfx/vkcore"
	"vulkanfx/vkcore/driver"
	"vulkanfx/vkcore/shader"
)

// Key identifies a cached pipeline. Only the first len(Spec)
// specialization values take part in it; SpecN counts how many
// were stored.
type Key struct {
	Digest [8]byte
	Spec   [16]uint32
	SpecN  int
	Local  [3]int
}

// Entry is a cached, ready-to-bind compute pipeline, together
// with the reflected shader metadata used to drive descriptor
// updates and push-constant writes.
type Entry struct {
	Pipeline driver.Pipeline
	Info     *shader.ShaderInfo
	Local    [3]int
}

// Cache is the process-wide (per Device) pipeline cache.
type Cache struct {
	gpu   driver.GPU
	mu    sync.Map // Key -> *Entry
	group singleflight.Group
}

// New creates an empty Cache backed by gpu.
func New(gpu driver.GPU) *Cache { return &Cache{gpu: gpu} }

// Digest computes the FNV-1a digest of a SPIR-V word stream, as
// used in Key.Digest.
func Digest(spirv []uint32) [8]byte {
	h := fnv.New64a()
	buf := make([]byte, 4)
	for _, w := range spirv {
		buf[0] = byte(w)
		buf[1] = byte(w >> 8)
		buf[2] = byte(w >> 16)
		buf[3] = byte(w >> 24)
		h.Write(buf)
	}
	var out [8]byte
	h.Sum(out[:0])
	return out
}

// makeKey builds a Key from a SPIR-V digest, specialization
// values and the requested local workgroup size, clamped to the
// device's limits.
func makeKey(digest [8]byte, spec []uint32, local [3]int, lim driver.Limits) Key {
	k := Key{Digest: digest, Local: clampWorkgroup(local, lim)}
	k.SpecN = copy(k.Spec[:], spec)
	return k
}

// clampWorkgroup clamps local to the device's per-axis limits,
// then shrinks it (halving x then y alternately, preserving z)
// until the total invocation count fits within
// MaxWorkgrpInvoc, per the spec's workgroup-clamping contract.
func clampWorkgroup(local [3]int, lim driver.Limits) [3]int {
	x, y, z := local[0], local[1], local[2]
	if x < 1 {
		x = 1
	}
	if y < 1 {
		y = 1
	}
	if z < 1 {
		z = 1
	}
	if x > lim.MaxWorkgrpSize[0] {
		x = lim.MaxWorkgrpSize[0]
	}
	if y > lim.MaxWorkgrpSize[1] {
		y = lim.MaxWorkgrpSize[1]
	}
	if z > lim.MaxWorkgrpSize[2] {
		z = lim.MaxWorkgrpSize[2]
	}
	shrinkX := true
	for x*y*z > lim.MaxWorkgrpInvoc {
		if shrinkX {
			if x > 1 {
				x /= 2
			}
		} else {
			if y > 1 {
				y /= 2
			}
		}
		shrinkX = !shrinkX
		if x == 1 && y == 1 {
			break
		}
	}
	return [3]int{x, y, z}
}

// Build constructs a new Entry's pipeline and reflected shader
// info: the builders in packing and operator reflect the SPIR-V
// and create the shader module, descriptor table and compute
// pipeline. The workgroup size is not applied to the module
// (driver/vk ignores CompState.Workgrp), and since those builders
// set no SpecNr, their specialization values are not applied
// either. It is only ever invoked once per key, regardless of
// how many goroutines call Get concurrently for that key.
type Build func() (driver.Pipeline, *shader.ShaderInfo, error)

// Get returns the cached Entry for (digest, spec, local),
// building it via build if this is the first request for that
// key. Concurrent Get calls for the same key observe the same
// Entry and only one of them actually invokes build.
func (c *Cache) Get(digest [8]byte, spec []uint32, local [3]int, build Build) (*Entry, error) {
	key := makeKey(digest, spec, local, c.gpu.Limits())
	if v, ok := c.mu.Load(key); ok {
		return v.(*Entry), nil
	}

	v, err, _ := c.group.Do(keyString(key), func() (any, error) {
		if v, ok := c.mu.Load(key); ok {
			return v.(*Entry), nil
		}
		pl, info, err := build()
		if err != nil {
			return nil, vkcore.New(vkcore.ShaderCompileError, err)
		}
		e := &Entry{Pipeline: pl, Info: info, Local: key.Local}
		c.mu.Store(key, e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// keyString renders key as a singleflight group key. Keys are
// small fixed-size value types, so a direct byte encoding is
// cheaper and just as unique as hashing them again.
func keyString(k Key) string {
	b := make([]byte, 0, 8+8*4+4+12)
	b = append(b, k.Digest[:]...)
	for i := 0; i < k.SpecN; i++ {
		s := k.Spec[i]
		b = append(b, byte(s), byte(s>>8), byte(s>>16), byte(s>>24))
	}
	for _, l := range k.Local {
		b = append(b, byte(l), byte(l>>8), byte(l>>16), byte(l>>24))
	}
	return string(b)
}

// Clear destroys every cached pipeline and empties the cache.
func (c *Cache) Clear() {
	c.mu.Range(func(k, v any) bool {
		v.(*Entry).Pipeline.Destroy()
		c.mu.Delete(k)
		return true
	})
}
