// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package pipelinecache

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vulkanfx/vkcore/driver"
	"vulkanfx/vkcore/shader"
)

type fakeGPU struct {
	driver.GPU
	lim driver.Limits
}

func (g *fakeGPU) Limits() driver.Limits { return g.lim }

type fakePipeline struct{ destroyed bool }

func (p *fakePipeline) Destroy() { p.destroyed = true }

func newFakeGPU() *fakeGPU {
	return &fakeGPU{lim: driver.Limits{
		MaxWorkgrpSize:  [3]int{1024, 1024, 64},
		MaxWorkgrpInvoc: 256,
	}}
}

func TestGetCachesByKey(t *testing.T) {
	c := New(newFakeGPU())
	var builds int32

	build := func() (driver.Pipeline, *shader.ShaderInfo, error) {
		atomic.AddInt32(&builds, 1)
		return &fakePipeline{}, &shader.ShaderInfo{SpecConstants: 1}, nil
	}

	digest := [8]byte{1, 2, 3}
	e1, err := c.Get(digest, []uint32{8, 8}, [3]int{8, 8, 1}, build)
	require.NoError(t, err)

	e2, err := c.Get(digest, []uint32{8, 8}, [3]int{8, 8, 1}, build)
	require.NoError(t, err)

	assert.Same(t, e1, e2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
}

func TestGetDistinguishesSpec(t *testing.T) {
	c := New(newFakeGPU())
	build := func() (driver.Pipeline, *shader.ShaderInfo, error) {
		return &fakePipeline{}, nil, nil
	}
	digest := [8]byte{9}
	e1, err := c.Get(digest, []uint32{1}, [3]int{8, 8, 1}, build)
	require.NoError(t, err)
	e2, err := c.Get(digest, []uint32{2}, [3]int{8, 8, 1}, build)
	require.NoError(t, err)
	assert.NotSame(t, e1, e2)
}

func TestGetConcurrentSingleBuild(t *testing.T) {
	c := New(newFakeGPU())
	var builds int32
	var wg sync.WaitGroup
	digest := [8]byte{5, 5, 5}
	build := func() (driver.Pipeline, *shader.ShaderInfo, error) {
		atomic.AddInt32(&builds, 1)
		return &fakePipeline{}, nil, nil
	}
	results := make([]*Entry, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := c.Get(digest, nil, [3]int{4, 4, 1}, build)
			require.NoError(t, err)
			results[i] = e
		}(i)
	}
	wg.Wait()
	for _, e := range results {
		assert.Same(t, results[0], e)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
}

func TestClampWorkgroupShrinksToFitInvocationLimit(t *testing.T) {
	lim := driver.Limits{MaxWorkgrpSize: [3]int{1024, 1024, 64}, MaxWorkgrpInvoc: 64}
	out := clampWorkgroup([3]int{32, 32, 1}, lim)
	assert.LessOrEqual(t, out[0]*out[1]*out[2], 64)
	assert.Equal(t, 1, out[2], "z must be preserved, not shrunk")
}

func TestClampWorkgroupClampsPerAxis(t *testing.T) {
	lim := driver.Limits{MaxWorkgrpSize: [3]int{16, 16, 1}, MaxWorkgrpInvoc: 4096}
	out := clampWorkgroup([3]int{64, 64, 1}, lim)
	assert.Equal(t, [3]int{16, 16, 1}, out)
}
