// Package guidance assembles per-window model inputs for classifier-free
// guidance. When guidance is enabled every tensor fed to the noise
// predictor is doubled along the batch axis with the unconditional half
// first; the same ordering is assumed when the prediction is split back.
// Embedding, control and reference replication all follow the identical
// layout so batch indices stay aligned across the three tensors.
package guidance

import (
	"fmt"

	"github.com/vidiff/vidiff/array"
)

// Embeddings builds the conditioning batch for one run. With guidance the
// result is [uncond x contextBatch, cond x contextBatch]; without it,
// [cond x contextBatch].
func Embeddings(uncond, cond *array.Array, contextBatch int, guidance bool) (*array.Array, error) {
	if contextBatch < 1 {
		return nil, fmt.Errorf("guidance: context batch must be >= 1, got %d", contextBatch)
	}
	condRep, err := array.Repeat(cond, 0, contextBatch)
	if err != nil {
		return nil, err
	}
	if !guidance {
		return condRep, nil
	}
	if uncond == nil {
		return nil, fmt.Errorf("guidance: unconditional embedding required when guidance is enabled")
	}
	uncondRep, err := array.Repeat(uncond, 0, contextBatch)
	if err != nil {
		return nil, err
	}
	return array.Concat(0, uncondRep, condRep)
}

// Control reorders a [B, F, H, W, C] control-map sequence in [0, 1] into
// the frame-major [B*F, C, H, W] layout window gathering indexes into.
func Control(condition *array.Array) (*array.Array, error) {
	shape := condition.Shape()
	if len(shape) != 5 {
		return nil, &array.ShapeError{Op: "control", Got: shape, Want: "5 dimensions [b, f, h, w, c]"}
	}
	b, f, h, w, c := shape[0], shape[1], shape[2], shape[3], shape[4]

	src := condition.Data()
	dst := make([]float32, len(src))
	// [b, f, h, w, c] -> [(b f), c, h, w]
	for bi := 0; bi < b; bi++ {
		for fi := 0; fi < f; fi++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					for ci := 0; ci < c; ci++ {
						so := (((bi*f+fi)*h+y)*w+x)*c + ci
						do := (((bi*f+fi)*c+ci)*h+y)*w + x
						dst[do] = src[so]
					}
				}
			}
		}
	}
	return array.New(dst, b*f, c, h, w), nil
}

// WindowControl gathers the control frames for a batch of windows and
// reorders them to the network's [n, c, f, h, w] layout, doubled along the
// batch axis when guidance is on. control is the [F, C, H, W] frame-major
// sequence from Control (batch size 1); all windows in the batch must have
// equal length.
func WindowControl(control *array.Array, windows [][]int, guidance bool) (*array.Array, error) {
	shape := control.Shape()
	if len(shape) != 4 {
		return nil, &array.ShapeError{Op: "window control", Got: shape, Want: "4 dimensions [f, c, h, w]"}
	}
	f, c, h, w := shape[0], shape[1], shape[2], shape[3]
	n, wlen, err := windowDims(windows)
	if err != nil {
		return nil, err
	}

	plane := h * w
	src := control.Data()
	dst := make([]float32, n*c*wlen*plane)
	for wi, win := range windows {
		for fi, frame := range win {
			if frame < 0 || frame >= f {
				return nil, fmt.Errorf("guidance: control frame %d out of range [0, %d)", frame, f)
			}
			for ci := 0; ci < c; ci++ {
				so := (frame*c + ci) * plane
				do := ((wi*c+ci)*wlen + fi) * plane
				copy(dst[do:do+plane], src[so:so+plane])
			}
		}
	}
	out := array.New(dst, n, c, wlen, h, w)
	if guidance {
		return array.Repeat(out, 0, 2)
	}
	return out, nil
}

// WindowLatents gathers the latent slices for a batch of windows,
// concatenated along the batch axis and doubled for guidance. latents is
// the [1, c, F, h, w] video latent.
func WindowLatents(latents *array.Array, windows [][]int, guidance bool) (*array.Array, error) {
	if _, _, err := windowDims(windows); err != nil {
		return nil, err
	}
	slices := make([]*array.Array, len(windows))
	for i, win := range windows {
		s, err := array.Frames(latents, win)
		if err != nil {
			return nil, err
		}
		slices[i] = s
	}
	batch, err := array.Concat(0, slices...)
	if err != nil {
		return nil, err
	}
	if guidance {
		return array.Repeat(batch, 0, 2)
	}
	return batch, nil
}

// RepeatReference replicates the reference latent across the window batch
// and the guidance doubling, mirroring the embedding layout exactly.
func RepeatReference(ref *array.Array, contextBatch int, guidance bool) (*array.Array, error) {
	n := contextBatch
	if guidance {
		n *= 2
	}
	return array.Repeat(ref, 0, n)
}

func windowDims(windows [][]int) (count, length int, err error) {
	if len(windows) == 0 {
		return 0, 0, fmt.Errorf("guidance: empty window batch")
	}
	length = len(windows[0])
	for _, w := range windows[1:] {
		if len(w) != length {
			return 0, 0, fmt.Errorf("guidance: windows in one batch must have equal length, got %d and %d", length, len(w))
		}
	}
	return len(windows), length, nil
}
