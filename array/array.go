// Package array provides float32 n-dimensional arrays for the sampling
// pipeline. Arrays are dense, row-major and CPU-resident, backed by
// pdevine/tensor. Shapes are explicit and every combining operation checks
// them; a mismatch surfaces as *ShapeError at the point of combination
// instead of broadcasting silently.
package array

import (
	"fmt"
	"math/rand"

	"github.com/pdevine/tensor"
)

// Array is a dense float32 tensor with an explicit shape.
type Array struct {
	dense *tensor.Dense
}

// ShapeError reports a tensor whose runtime shape disagrees with the shape
// an operation requires.
type ShapeError struct {
	Op   string
	Got  []int
	Want string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("array: %s: got shape %v, want %s", e.Op, e.Got, e.Want)
}

// New creates an array from data with the given shape. The backing slice is
// used directly, not copied.
func New(data []float32, shape ...int) *Array {
	if len(data) != numElems(shape) {
		panic(fmt.Sprintf("array: New: %d elements for shape %v", len(data), shape))
	}
	return &Array{dense: tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))}
}

// Zeros creates a zero-filled array.
func Zeros(shape ...int) *Array {
	return New(make([]float32, numElems(shape)), shape...)
}

// Full creates an array filled with v.
func Full(v float32, shape ...int) *Array {
	data := make([]float32, numElems(shape))
	for i := range data {
		data[i] = v
	}
	return New(data, shape...)
}

// RandomNormal creates an array of standard normal samples. The same seed
// always produces the same array.
func RandomNormal(seed int64, shape ...int) *Array {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float32, numElems(shape))
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return New(data, shape...)
}

// Shape returns the dimensions of the array.
func (a *Array) Shape() []int {
	return a.dense.Shape()
}

// Dim returns the size of dimension i.
func (a *Array) Dim(i int) int {
	return a.dense.Shape()[i]
}

// NumElems returns the total element count.
func (a *Array) NumElems() int {
	return a.dense.Shape().TotalSize()
}

// Data returns the backing slice. Mutating it mutates the array.
func (a *Array) Data() []float32 {
	return a.dense.Data().([]float32)
}

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	return &Array{dense: a.dense.Clone().(*tensor.Dense)}
}

// Reshape returns a view of the same data with a new shape.
func (a *Array) Reshape(shape ...int) (*Array, error) {
	if numElems(shape) != a.NumElems() {
		return nil, &ShapeError{Op: fmt.Sprintf("reshape to %v", shape), Got: a.Shape(), Want: fmt.Sprintf("%d elements", numElems(shape))}
	}
	return New(a.Data(), shape...), nil
}

// At returns the element at the given indices.
func (a *Array) At(ix ...int) float32 {
	v, err := a.dense.At(ix...)
	if err != nil {
		panic(err)
	}
	return v.(float32)
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Array) bool {
	return a.dense.Shape().Eq(b.dense.Shape())
}

func binaryOp(op string, a, b *Array, f func(x, y *tensor.Dense) (*tensor.Dense, error)) (*Array, error) {
	if !SameShape(a, b) {
		return nil, &ShapeError{Op: op, Got: b.Shape(), Want: fmt.Sprintf("%v", a.Shape())}
	}
	d, err := f(a.dense, b.dense)
	if err != nil {
		return nil, fmt.Errorf("array: %s: %w", op, err)
	}
	return &Array{dense: d}, nil
}

// Add returns a + b element-wise.
func Add(a, b *Array) (*Array, error) {
	return binaryOp("add", a, b, func(x, y *tensor.Dense) (*tensor.Dense, error) { return x.Add(y) })
}

// Sub returns a - b element-wise.
func Sub(a, b *Array) (*Array, error) {
	return binaryOp("sub", a, b, func(x, y *tensor.Dense) (*tensor.Dense, error) { return x.Sub(y) })
}

// Mul returns a * b element-wise.
func Mul(a, b *Array) (*Array, error) {
	return binaryOp("mul", a, b, func(x, y *tensor.Dense) (*tensor.Dense, error) { return x.Mul(y) })
}

// Div returns a / b element-wise.
func Div(a, b *Array) (*Array, error) {
	return binaryOp("div", a, b, func(x, y *tensor.Dense) (*tensor.Dense, error) { return x.Div(y) })
}

// AddScalar returns a + s.
func AddScalar(a *Array, s float32) *Array {
	d, err := a.dense.AddScalar(s, true)
	if err != nil {
		panic(fmt.Sprintf("array: add scalar: %v", err))
	}
	return &Array{dense: d}
}

// MulScalar returns a * s.
func MulScalar(a *Array, s float32) *Array {
	d, err := a.dense.MulScalar(s, true)
	if err != nil {
		panic(fmt.Sprintf("array: mul scalar: %v", err))
	}
	return &Array{dense: d}
}

// Clip returns a with every element clamped to [lo, hi].
func Clip(a *Array, lo, hi float32) *Array {
	out := a.Clone()
	data := out.Data()
	for i, v := range data {
		if v < lo {
			data[i] = lo
		} else if v > hi {
			data[i] = hi
		}
	}
	return out
}

// Concat concatenates arrays along axis. All arrays must agree on every
// other dimension.
func Concat(axis int, arrays ...*Array) (*Array, error) {
	if len(arrays) == 0 {
		return nil, fmt.Errorf("array: concat: no inputs")
	}
	if len(arrays) == 1 {
		return arrays[0].Clone(), nil
	}
	rest := make([]*tensor.Dense, len(arrays)-1)
	for i, a := range arrays[1:] {
		rest[i] = a.dense
	}
	d, err := arrays[0].dense.Concat(axis, rest...)
	if err != nil {
		return nil, fmt.Errorf("array: concat axis %d: %w", axis, err)
	}
	return &Array{dense: d}, nil
}

// Repeat tiles the array n times along axis.
func Repeat(a *Array, axis, n int) (*Array, error) {
	if n == 1 {
		return a.Clone(), nil
	}
	copies := make([]*Array, n)
	for i := range copies {
		copies[i] = a
	}
	return Concat(axis, copies...)
}

// Split2 splits the array into two equal halves along axis 0. Used to
// separate the unconditional and conditional halves of a guidance-doubled
// batch.
func Split2(a *Array) (*Array, *Array, error) {
	shape := a.Shape()
	if shape[0]%2 != 0 {
		return nil, nil, &ShapeError{Op: "split2", Got: shape, Want: "even leading dimension"}
	}
	half := a.NumElems() / 2
	halfShape := append([]int{shape[0] / 2}, shape[1:]...)
	data := a.Data()
	lo := make([]float32, half)
	hi := make([]float32, half)
	copy(lo, data[:half])
	copy(hi, data[half:])
	return New(lo, halfShape...), New(hi, halfShape...), nil
}

func numElems(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
