// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package mat

import (
	"encoding/binary"
	"math"
	"math/rand"

	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/mat"

	"vulkanfx/vkcore"
)

// dense returns m as a gonum *mat.Dense, valid only for 2-D F32
// tensors (whose Cstep is W*H, so rows carry no padding). Matmul/Transpose/Inv
// /Determinant are documented as 2-D only, so this narrowing is
// the contract, not a limitation introduced here.
func (m *Mat) dense() (*mat.Dense, error) {
	if m.Dims != 2 || m.ElemType != F32 {
		return nil, &vkcore.Error{Kind: vkcore.ShapeMismatch, Expected: "2-D F32 tensor"}
	}
	f := asF32(m.Mapped())
	if len(f) < m.H*m.W {
		return nil, &vkcore.Error{Kind: vkcore.ShapeMismatch, Expected: "mapped storage"}
	}
	rows := make([]float64, m.H*m.W)
	for i, x := range f[:m.H*m.W] {
		rows[i] = float64(x)
	}
	return mat.NewDense(m.H, m.W, rows), nil
}

// fromDense writes d's values into m, which must already have
// the matching shape and be F32.
func (m *Mat) fromDense(d *mat.Dense) {
	r, c := d.Dims()
	out := make([]float32, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out[i*c+j] = float32(d.At(i, j))
		}
	}
	putF32(m.Mapped(), out)
}

// Matmul computes m = a*b, where a is [rows,k] and b is [k,cols].
// Both operands must be 2-D F32 tensors; any other element type,
// fp16 included, is rejected with ShapeMismatch. The product is
// computed in float64 by gonum and stored back as float32.
func (m *Mat) Matmul(a, b *Mat) error {
	if a.Dims != 2 || b.Dims != 2 || a.W != b.H {
		return &vkcore.Error{Kind: vkcore.ShapeMismatch, Expected: "A[m,k]*B[k,n]"}
	}
	ad, err := a.dense()
	if err != nil {
		return err
	}
	bd, err := b.dense()
	if err != nil {
		return err
	}
	var cd mat.Dense
	cd.Mul(ad, bd)
	if m.Dims != 2 || m.H != a.H || m.W != b.W {
		if err := m.Create(2, b.W, a.H, 1, F32, 1, m.allocator); err != nil {
			return err
		}
	}
	m.fromDense(&cd)
	return nil
}

// Transpose sets m to the transpose of n (2-D only).
func (m *Mat) Transpose(n *Mat) error {
	nd, err := n.dense()
	if err != nil {
		return err
	}
	var td mat.Dense
	td.CloneFrom(nd.T())
	if m.Dims != 2 || m.H != n.W || m.W != n.H {
		if err := m.Create(2, n.H, n.W, 1, F32, 1, m.allocator); err != nil {
			return err
		}
	}
	m.fromDense(&td)
	return nil
}

// Inv sets m to the inverse of n (2-D square only). If n is
// singular, m is filled with zeros instead of returning an
// error, per the spec.
func (m *Mat) Inv(n *Mat) error {
	if n.H != n.W {
		return &vkcore.Error{Kind: vkcore.ShapeMismatch, Expected: "square matrix"}
	}
	nd, err := n.dense()
	if err != nil {
		return err
	}
	if m.Dims != 2 || m.H != n.H || m.W != n.W {
		if err := m.Create(2, n.W, n.H, 1, F32, 1, m.allocator); err != nil {
			return err
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(nd); err != nil {
		// Singular: zero out rather than propagate the error.
		putF32(m.Mapped(), make([]float32, n.H*n.W))
		return nil
	}
	m.fromDense(&inv)
	return nil
}

// Determinant computes the determinant of n (2-D square only)
// via LU decomposition.
func (n *Mat) Determinant() (float64, error) {
	if n.H != n.W {
		return 0, &vkcore.Error{Kind: vkcore.ShapeMismatch, Expected: "square matrix"}
	}
	nd, err := n.dense()
	if err != nil {
		return 0, err
	}
	var lu mat.LU
	lu.Factorize(nd)
	return lu.Det(), nil
}

// Diag sets m to a square diagonal matrix with v's elements
// on the diagonal.
func (m *Mat) Diag(v *Mat) error {
	f := asF32(v.Mapped())
	n := len(f)
	if n == 0 {
		return &vkcore.Error{Kind: vkcore.ShapeMismatch, Expected: "non-empty vector"}
	}
	if err := m.Create(2, n, n, 1, F32, 1, m.allocator); err != nil {
		return err
	}
	out := make([]float32, n*n)
	for i := 0; i < n; i++ {
		out[i*n+i] = f[i]
	}
	putF32(m.Mapped(), out)
	return nil
}

// Eye sets m to the n*n identity matrix.
func (m *Mat) Eye(n int) error {
	if err := m.Create(2, n, n, 1, F32, 1, m.allocator); err != nil {
		return err
	}
	out := make([]float32, n*n)
	for i := 0; i < n; i++ {
		out[i*n+i] = 1
	}
	putF32(m.Mapped(), out)
	return nil
}

// Randn fills m in place with values drawn from a normal
// distribution of the given mean and standard deviation.
func (m *Mat) Randn(mean, stddev float32, seed int64) {
	f := asF32(m.Mapped())
	if len(f) == 0 {
		return
	}
	r := rand.New(rand.NewSource(seed))
	for i := range f {
		f[i] = mean + float32(r.NormFloat64())*stddev
	}
	putF32(m.Mapped(), f)
}

// Convert writes n's elements, cast to target type and scaled
// by scale, into m. fp16<->fp32 conversions follow the IEEE
// half contract in fp16.go; integer targets saturate.
func (m *Mat) Convert(n *Mat, target Type, scale float32) error {
	if err := m.Create(n.Dims, n.W, n.H, n.C, target, 1, m.allocator); err != nil {
		return err
	}
	switch {
	case n.ElemType == F32 && target == F16:
		src := asF32(n.Mapped())
		dst := m.Mapped()
		for i, v := range src {
			h := fp32ToFP16(v * scale)
			dst[i*2] = byte(h)
			dst[i*2+1] = byte(h >> 8)
		}
	case n.ElemType == F16 && target == F32:
		src := n.Mapped()
		count := len(src) / 2
		out := make([]float32, count)
		for i := 0; i < count; i++ {
			h := uint16(src[i*2]) | uint16(src[i*2+1])<<8
			out[i] = fp16ToFP32(h) * scale
		}
		putF32(m.Mapped(), out)
	case n.ElemType == F32 && target == F32:
		src := asF32(n.Mapped())
		out := make([]float32, len(src))
		for i, v := range src {
			out[i] = v * scale
		}
		putF32(m.Mapped(), out)
	case n.ElemType == F32 && target == I8:
		src := asF32(n.Mapped())
		dst := m.Mapped()
		for i, v := range src {
			dst[i] = saturateI8(v * scale)
		}
	default:
		return &vkcore.Error{Kind: vkcore.UnsupportedFeature, Feature: "conversion pair"}
	}
	return nil
}

// saturateI8 rounds and clamps v to the int8 range, returning
// the two's-complement byte representation.
func saturateI8(v float32) byte {
	r := math32.Round(v)
	switch {
	case r > 127:
		r = 127
	case r < -128:
		r = -128
	}
	return byte(int8(r))
}

// arithOp identifies one of the four elementwise operations so
// elementwise/elementwiseScalar can pick a float or integer
// evaluation path per Mat.ElemType instead of baking a
// float32-only closure in at the call site.
type arithOp int

const (
	opAdd arithOp = iota
	opSub
	opMul
	opDiv
)

func applyF32(op arithOp, x, y float32) float32 {
	switch op {
	case opAdd:
		return x + y
	case opSub:
		return x - y
	case opMul:
		return x * y
	default:
		return x / y
	}
}

// applyInt evaluates op over integer operands. Division by zero
// saturates to max rather than panicking, per the integer
// tensor contract.
func applyInt(op arithOp, x, y, max int64) int64 {
	switch op {
	case opAdd:
		return x + y
	case opSub:
		return x - y
	case opMul:
		return x * y
	default:
		if y == 0 {
			return max
		}
		return x / y
	}
}

// isIntType reports whether t is one of the fixed-width signed
// integer element types, which elementwise ops evaluate in
// integer arithmetic: division by zero saturates to the type's
// maximum instead of following IEEE float semantics.
func isIntType(t Type) bool {
	switch t {
	case I8, I16, I32, I64:
		return true
	}
	return false
}

// intMax returns the largest value representable by t, the
// saturated result of a divide-by-zero.
func intMax(t Type) int64 {
	switch t {
	case I8:
		return math.MaxInt8
	case I16:
		return math.MaxInt16
	case I32:
		return math.MaxInt32
	case I64:
		return math.MaxInt64
	}
	panic("mat: intMax: not an integer type")
}

// asInt decodes b as a little-endian slice of signed integers
// of t's width.
func asInt(b []byte, t Type) []int64 {
	size := t.Size()
	out := make([]int64, len(b)/size)
	for i := range out {
		switch t {
		case I8:
			out[i] = int64(int8(b[i]))
		case I16:
			out[i] = int64(int16(binary.LittleEndian.Uint16(b[i*2:])))
		case I32:
			out[i] = int64(int32(binary.LittleEndian.Uint32(b[i*4:])))
		case I64:
			out[i] = int64(binary.LittleEndian.Uint64(b[i*8:]))
		}
	}
	return out
}

// putInt writes v back into b at t's width.
func putInt(b []byte, v []int64, t Type) {
	for i, x := range v {
		switch t {
		case I8:
			b[i] = byte(int8(x))
		case I16:
			binary.LittleEndian.PutUint16(b[i*2:], uint16(int16(x)))
		case I32:
			binary.LittleEndian.PutUint32(b[i*4:], uint32(int32(x)))
		case I64:
			binary.LittleEndian.PutUint64(b[i*8:], uint64(x))
		}
	}
}

// AddScalar sets m[i] = a[i] + b (scalar broadcast) for every element.
func (m *Mat) AddScalar(a *Mat, b float32) { elementwiseScalar(m, a, b, opAdd) }

// SubScalar sets m[i] = a[i] - b for every element.
func (m *Mat) SubScalar(a *Mat, b float32) { elementwiseScalar(m, a, b, opSub) }

// MulScalar sets m[i] = a[i] * b for every element.
func (m *Mat) MulScalar(a *Mat, b float32) { elementwiseScalar(m, a, b, opMul) }

// DivScalar sets m[i] = a[i] / b for every element. Division by
// zero follows IEEE float semantics (+-Inf or NaN) for float
// tensors, and saturates to the element type's maximum for
// integer tensors.
func (m *Mat) DivScalar(a *Mat, b float32) { elementwiseScalar(m, a, b, opDiv) }

func elementwiseScalar(m, a *Mat, b float32, op arithOp) {
	if m.Dims == 0 {
		m.Create(a.Dims, a.W, a.H, a.C, a.ElemType, a.ElemPack, a.allocator)
	}
	if isIntType(a.ElemType) {
		src := asInt(a.Mapped(), a.ElemType)
		max := intMax(a.ElemType)
		bi := int64(b)
		out := make([]int64, len(src))
		for i, x := range src {
			out[i] = applyInt(op, x, bi, max)
		}
		putInt(m.Mapped(), out, a.ElemType)
		return
	}
	src := asF32(a.Mapped())
	out := make([]float32, len(src))
	for i, x := range src {
		out[i] = applyF32(op, x, b)
	}
	putF32(m.Mapped(), out)
}

// Add sets m = a + b elementwise, where a and b share the same
// shape.
func (m *Mat) Add(a, b *Mat) error { return elementwise(m, a, b, opAdd) }

// Sub sets m = a - b elementwise.
func (m *Mat) Sub(a, b *Mat) error { return elementwise(m, a, b, opSub) }

// Mul sets m = a * b elementwise.
func (m *Mat) Mul(a, b *Mat) error { return elementwise(m, a, b, opMul) }

// Div sets m = a / b elementwise. Division by zero follows IEEE
// float semantics for float tensors, and saturates to the
// element type's maximum for integer tensors.
func (m *Mat) Div(a, b *Mat) error { return elementwise(m, a, b, opDiv) }

func elementwise(m, a, b *Mat, op arithOp) error {
	if a.W != b.W || a.H != b.H || a.C != b.C {
		return &vkcore.Error{Kind: vkcore.ShapeMismatch, Expected: "matching shapes"}
	}
	if m.Dims == 0 {
		if err := m.Create(a.Dims, a.W, a.H, a.C, a.ElemType, a.ElemPack, a.allocator); err != nil {
			return err
		}
	}
	if isIntType(a.ElemType) {
		x, y := asInt(a.Mapped(), a.ElemType), asInt(b.Mapped(), a.ElemType)
		max := intMax(a.ElemType)
		out := make([]int64, len(x))
		for i := range out {
			out[i] = applyInt(op, x[i], y[i], max)
		}
		putInt(m.Mapped(), out, a.ElemType)
		return nil
	}
	x, y := asF32(a.Mapped()), asF32(b.Mapped())
	out := make([]float32, len(x))
	for i := range out {
		out[i] = applyF32(op, x[i], y[i])
	}
	putF32(m.Mapped(), out)
	return nil
}
