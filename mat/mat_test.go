// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package mat

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCstepAlignment(t *testing.T) {
	var m Mat
	require.NoError(t, m.Create(3, 3, 3, 4, F32, 1, nil))
	// Cstep*ElemSize must be a multiple of 16 bytes for 3-D tensors.
	assert.Equal(t, 0, (m.Cstep*m.ElemSize())%16)
	assert.GreaterOrEqual(t, m.Cstep, m.W*m.H)
}

func TestCreateIdempotent(t *testing.T) {
	var m Mat
	require.NoError(t, m.Create(2, 4, 4, 1, F32, 1, nil))
	first := m.data
	require.NoError(t, m.Create(2, 4, 4, 1, F32, 1, nil))
	assert.Same(t, &first[0], &m.data[0], "identical re-Create should be a no-op")
}

func TestReshapePreservesElementCount(t *testing.T) {
	var m Mat
	require.NoError(t, m.Create(2, 4, 4, 1, F32, 1, nil))
	f := asF32(m.Mapped())
	for i := range f {
		f[i] = float32(i)
	}
	putF32(m.Mapped(), f)

	require.NoError(t, m.Reshape(2, 2, 8, 1))
	assert.Equal(t, 2, m.W)
	assert.Equal(t, 8, m.H)

	require.Error(t, m.Reshape(2, 3, 3, 1))
}

func TestFP16RoundTrip(t *testing.T) {
	vals := []float32{0, 1, -1, 0.5, 65504, -65504, 3.14159, 1e-10}
	for _, v := range vals {
		h := fp32ToFP16(v)
		back := fp16ToFP32(h)
		assert.InDelta(t, v, back, 0.05*absf(v)+1e-3, "round trip for %v", v)
	}
}

func TestFP16SpecialValues(t *testing.T) {
	nan := fp32ToFP16(float32(math.NaN()))
	assert.Equal(t, uint16(0x7e00), nan&0x7e00)

	assert.Equal(t, uint16(0x7c00), fp32ToFP16(float32(math.Inf(1))))
	assert.Equal(t, uint16(0xfc00), fp32ToFP16(float32(math.Inf(-1))))

	// Smallest subnormal flushes to zero.
	assert.Equal(t, uint16(0), fp32ToFP16(1e-41))
}

func TestTransposeTwice(t *testing.T) {
	var a Mat
	require.NoError(t, a.Create(2, 3, 2, 1, F32, 1, nil))
	putF32(a.Mapped(), []float32{1, 2, 3, 4, 5, 6})

	var b, c Mat
	require.NoError(t, b.Transpose(&a))
	require.NoError(t, c.Transpose(&b))

	assert.Equal(t, asF32(a.Mapped()), asF32(c.Mapped()))
}

func TestMatmulIdentity(t *testing.T) {
	var id, a, out Mat
	require.NoError(t, id.Eye(3))
	require.NoError(t, a.Create(2, 3, 2, 1, F32, 1, nil))
	putF32(a.Mapped(), []float32{1, 2, 3, 4, 5, 6})

	require.NoError(t, out.Matmul(&a, &id))
	assert.InDeltaSlice(t, []float32{1, 2, 3, 4, 5, 6}, asF32(out.Mapped()), 1e-5)
}

func TestInvNearIdentity(t *testing.T) {
	var a, inv, prod Mat
	require.NoError(t, a.Create(2, 2, 2, 1, F32, 1, nil))
	putF32(a.Mapped(), []float32{4, 7, 2, 6})

	require.NoError(t, inv.Inv(&a))
	require.NoError(t, prod.Matmul(&a, &inv))
	assert.InDeltaSlice(t, []float32{1, 0, 0, 1}, asF32(prod.Mapped()), 1e-3)
}

func TestInvSingularZeroes(t *testing.T) {
	var a, inv Mat
	require.NoError(t, a.Create(2, 2, 2, 1, F32, 1, nil))
	putF32(a.Mapped(), []float32{1, 2, 2, 4})

	require.NoError(t, inv.Inv(&a))
	for _, v := range asF32(inv.Mapped()) {
		assert.Zero(t, v)
	}
}

func absf(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
