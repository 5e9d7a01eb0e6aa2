package pipeline

import (
	"fmt"
	"math"

	"github.com/vidiff/vidiff/array"
)

// InterpolationFunc blends two equally shaped frames at fractional position
// t in [0, 1], where t=0 yields a and t=1 yields b.
type InterpolationFunc func(a, b *array.Array, t float64) (*array.Array, error)

// Lerp is straight linear interpolation.
func Lerp(a, b *array.Array, t float64) (*array.Array, error) {
	return array.Add(array.MulScalar(a, float32(1-t)), array.MulScalar(b, float32(t)))
}

// Slerp interpolates along the great circle between the frames, treating
// each as a flat vector. Near-parallel frames fall back to Lerp, where the
// spherical formula loses precision.
func Slerp(a, b *array.Array, t float64) (*array.Array, error) {
	if !array.SameShape(a, b) {
		return nil, &array.ShapeError{Op: "slerp", Got: b.Shape(), Want: fmt.Sprintf("%v", a.Shape())}
	}
	ad, bd := a.Data(), b.Data()
	var dot, na, nb float64
	for i := range ad {
		dot += float64(ad[i]) * float64(bd[i])
		na += float64(ad[i]) * float64(ad[i])
		nb += float64(bd[i]) * float64(bd[i])
	}
	na, nb = math.Sqrt(na), math.Sqrt(nb)
	if na == 0 || nb == 0 {
		return Lerp(a, b, t)
	}
	cos := dot / (na * nb)
	if math.Abs(cos) > 0.9995 {
		return Lerp(a, b, t)
	}

	omega := math.Acos(cos)
	sin := math.Sin(omega)
	wa := float32(math.Sin((1-t)*omega) / sin)
	wb := float32(math.Sin(t*omega) / sin)
	return array.Add(array.MulScalar(a, wa), array.MulScalar(b, wb))
}

// InterpolateFrames inserts factor-1 intermediate frames between every
// consecutive pair of latent frames, growing F frames to (F-1)*factor+1.
// A factor below 2 returns the input unchanged.
func InterpolateFrames(latent *array.Array, factor int, interp InterpolationFunc) (*array.Array, error) {
	if factor < 2 {
		return latent, nil
	}
	shape := latent.Shape()
	if len(shape) != 5 {
		return nil, &array.ShapeError{Op: "interpolate", Got: shape, Want: "5 dimensions [b, c, f, h, w]"}
	}
	f := shape[2]
	if f < 2 {
		return latent, nil
	}

	outFrames := (f-1)*factor + 1
	out := array.Zeros(shape[0], shape[1], outFrames, shape[3], shape[4])
	for i := 0; i < f-1; i++ {
		a, err := array.Frame(latent, i)
		if err != nil {
			return nil, err
		}
		b, err := array.Frame(latent, i+1)
		if err != nil {
			return nil, err
		}
		for j := 0; j < factor; j++ {
			frame := a
			if j > 0 {
				frame, err = interp(a, b, float64(j)/float64(factor))
				if err != nil {
					return nil, err
				}
			}
			if err := array.SetFrame(out, i*factor+j, frame); err != nil {
				return nil, err
			}
		}
	}
	last, err := array.Frame(latent, f-1)
	if err != nil {
		return nil, err
	}
	if err := array.SetFrame(out, outFrames-1, last); err != nil {
		return nil, err
	}
	return out, nil
}
