package vae

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/vidiff/vidiff/array"
)

// PrepareImage resizes an image so both dimensions are multiples of factor.
// Returns the processed image and its dimensions.
func PrepareImage(img image.Image, factor int) (image.Image, int, int) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	// Round down to a multiple of the downsampling factor.
	w = (w / factor) * factor
	h = (h / factor) * factor
	if w < factor {
		w = factor
	}
	if h < factor {
		h = factor
	}

	if w == bounds.Dx() && h == bounds.Dy() {
		return img, w, h
	}

	resized := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Over, nil)
	return resized, w, h
}

// ImageToTensor converts an image to a [1, 3, H, W] tensor in [-1, 1].
func ImageToTensor(img image.Image) *array.Array {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	data := make([]float32, 3*h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
			// RGBA returns 16-bit values; map to [-1, 1].
			data[0*h*w+y*w+x] = float32(r>>8)/127.5 - 1.0
			data[1*h*w+y*w+x] = float32(g>>8)/127.5 - 1.0
			data[2*h*w+y*w+x] = float32(b>>8)/127.5 - 1.0
		}
	}
	return array.New(data, 1, 3, h, w)
}

// VideoToTensor converts a frame sequence to [F, 3, H, W] in [-1, 1]. All
// frames must share the first frame's dimensions.
func VideoToTensor(frames []image.Image) (*array.Array, error) {
	tensors := make([]*array.Array, len(frames))
	for i, img := range frames {
		tensors[i] = ImageToTensor(img)
	}
	return array.Concat(0, tensors...)
}
