// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package mat

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDivScalarFloatByZeroIsInf(t *testing.T) {
	var a, m Mat
	require.NoError(t, a.Create(1, 2, 1, 1, F32, 1, nil))
	putF32(a.Mapped(), []float32{4, -4})

	m.DivScalar(&a, 0)
	got := asF32(m.Mapped())
	assert.True(t, math.IsInf(float64(got[0]), 1))
	assert.True(t, math.IsInf(float64(got[1]), -1))
}

func TestDivScalarIntByZeroSaturates(t *testing.T) {
	var a, m Mat
	require.NoError(t, a.Create(1, 2, 1, 1, I32, 1, nil))
	putInt(a.Mapped(), []int64{7, -7}, I32)

	m.DivScalar(&a, 0)
	got := asInt(m.Mapped(), I32)
	assert.Equal(t, int64(math.MaxInt32), got[0])
	assert.Equal(t, int64(math.MaxInt32), got[1])
}

func TestDivIntByZeroSaturatesPerWidth(t *testing.T) {
	cases := []struct {
		typ Type
		max int64
	}{
		{I8, math.MaxInt8},
		{I16, math.MaxInt16},
		{I32, math.MaxInt32},
		{I64, math.MaxInt64},
	}
	for _, c := range cases {
		var a, b, m Mat
		require.NoError(t, a.Create(1, 1, 1, 1, c.typ, 1, nil))
		require.NoError(t, b.Create(1, 1, 1, 1, c.typ, 1, nil))
		putInt(a.Mapped(), []int64{5}, c.typ)
		putInt(b.Mapped(), []int64{0}, c.typ)

		require.NoError(t, m.Div(&a, &b))
		got := asInt(m.Mapped(), c.typ)
		assert.Equal(t, c.max, got[0])
	}
}

func TestDivIntNonZeroDivides(t *testing.T) {
	var a, b, m Mat
	require.NoError(t, a.Create(1, 1, 1, 1, I32, 1, nil))
	require.NoError(t, b.Create(1, 1, 1, 1, I32, 1, nil))
	putInt(a.Mapped(), []int64{10}, I32)
	putInt(b.Mapped(), []int64{4}, I32)

	require.NoError(t, m.Div(&a, &b))
	assert.Equal(t, int64(2), asInt(m.Mapped(), I32)[0])
}

func TestAddScalarInt(t *testing.T) {
	var a, m Mat
	require.NoError(t, a.Create(1, 3, 1, 1, I16, 1, nil))
	putInt(a.Mapped(), []int64{1, 2, 3}, I16)

	m.AddScalar(&a, 10)
	assert.Equal(t, []int64{11, 12, 13}, asInt(m.Mapped(), I16))
}
