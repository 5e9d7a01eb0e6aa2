package array

import "fmt"

// Video latents are 5-dimensional: [batch, channels, frames, height, width].
// The frame axis is the one context windows index into.
const (
	AxisBatch    = 0
	AxisChannels = 1
	AxisFrames   = 2
)

func check5D(op string, a *Array) error {
	if len(a.Shape()) != 5 {
		return &ShapeError{Op: op, Got: a.Shape(), Want: "5 dimensions [b, c, f, h, w]"}
	}
	return nil
}

// Frames gathers the given frame indices along the frame axis, returning a
// new array shaped [b, c, len(idx), h, w]. Indices may repeat and need not
// be sorted.
func Frames(a *Array, idx []int) (*Array, error) {
	if err := check5D("frames", a); err != nil {
		return nil, err
	}
	shape := a.Shape()
	b, c, f, h, w := shape[0], shape[1], shape[2], shape[3], shape[4]
	for _, i := range idx {
		if i < 0 || i >= f {
			return nil, fmt.Errorf("array: frames: index %d out of range [0, %d)", i, f)
		}
	}

	plane := h * w
	src := a.Data()
	dst := make([]float32, b*c*len(idx)*plane)
	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			for fi, frame := range idx {
				so := ((bi*c+ci)*f + frame) * plane
				do := ((bi*c+ci)*len(idx) + fi) * plane
				copy(dst[do:do+plane], src[so:so+plane])
			}
		}
	}
	return New(dst, b, c, len(idx), h, w), nil
}

// ScatterAddFrames adds src's frames into dst at the given frame indices.
// src must be shaped [b, c, len(idx), h, w] with the same b, c, h, w as dst.
// Overlapping indices accumulate.
func ScatterAddFrames(dst, src *Array, idx []int) error {
	if err := check5D("scatter-add dst", dst); err != nil {
		return err
	}
	if err := check5D("scatter-add src", src); err != nil {
		return err
	}
	ds, ss := dst.Shape(), src.Shape()
	if ss[0] != ds[0] || ss[1] != ds[1] || ss[2] != len(idx) || ss[3] != ds[3] || ss[4] != ds[4] {
		return &ShapeError{Op: "scatter-add", Got: ss, Want: fmt.Sprintf("[%d %d %d %d %d]", ds[0], ds[1], len(idx), ds[3], ds[4])}
	}
	b, c, f, h, w := ds[0], ds[1], ds[2], ds[3], ds[4]
	for _, i := range idx {
		if i < 0 || i >= f {
			return fmt.Errorf("array: scatter-add: index %d out of range [0, %d)", i, f)
		}
	}

	plane := h * w
	dd := dst.Data()
	sd := src.Data()
	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			for fi, frame := range idx {
				do := ((bi*c+ci)*f + frame) * plane
				so := ((bi*c+ci)*len(idx) + fi) * plane
				dplane := dd[do : do+plane]
				splane := sd[so : so+plane]
				for k := range dplane {
					dplane[k] += splane[k]
				}
			}
		}
	}
	return nil
}

// Frame returns frame i as a [b, c, h, w] array.
func Frame(a *Array, i int) (*Array, error) {
	g, err := Frames(a, []int{i})
	if err != nil {
		return nil, err
	}
	shape := a.Shape()
	return g.Reshape(shape[0], shape[1], shape[3], shape[4])
}

// SetFrame overwrites frame i of dst with frame, shaped [b, c, h, w].
func SetFrame(dst *Array, i int, frame *Array) error {
	if err := check5D("set frame dst", dst); err != nil {
		return err
	}
	ds := dst.Shape()
	fs := frame.Shape()
	if len(fs) != 4 || fs[0] != ds[0] || fs[1] != ds[1] || fs[2] != ds[3] || fs[3] != ds[4] {
		return &ShapeError{Op: "set frame", Got: fs, Want: fmt.Sprintf("[%d %d %d %d]", ds[0], ds[1], ds[3], ds[4])}
	}
	b, c, f, h, w := ds[0], ds[1], ds[2], ds[3], ds[4]
	if i < 0 || i >= f {
		return fmt.Errorf("array: set frame: index %d out of range [0, %d)", i, f)
	}
	plane := h * w
	dd := dst.Data()
	sd := frame.Data()
	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			do := ((bi*c+ci)*f + i) * plane
			so := (bi*c + ci) * plane
			copy(dd[do:do+plane], sd[so:so+plane])
		}
	}
	return nil
}
