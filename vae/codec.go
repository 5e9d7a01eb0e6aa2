// Package vae wraps an external autoencoder behind the latent codec the
// sampling pipeline uses. The codec owns latent scaling and the
// frame-at-a-time decode loop; the autoencoder's internal math stays behind
// the ImageCodec interface.
package vae

import (
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/vidiff/vidiff/array"
	"github.com/vidiff/vidiff/envconfig"
	"github.com/vidiff/vidiff/format"
)

// ScaleFactor converts between the autoencoder's raw latent distribution
// and the diffusion model's working latent space.
const ScaleFactor = 0.18215

// ImageCodec is the external autoencoder contract. EncodeFrame maps one
// [1, 3, H, W] frame in [-1, 1] to the mean of its latent distribution;
// DecodeFrame is the inverse, back to [-1, 1] pixels. Both are called one
// frame at a time to bound peak memory.
type ImageCodec interface {
	EncodeFrame(frame *array.Array) (*array.Array, error)
	DecodeFrame(latent *array.Array) (*array.Array, error)

	// LatentChannels is the channel count of the latent space.
	LatentChannels() int

	// NumBlocks is the autoencoder's block count; the spatial downsampling
	// factor is 2^(NumBlocks-1).
	NumBlocks() int
}

// Codec converts RGB frame batches to and from the scaled latent space.
type Codec struct {
	inner ImageCodec
	log   *slog.Logger
}

// NewCodec wraps an external autoencoder.
func NewCodec(inner ImageCodec, logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{inner: inner, log: logger}
}

// SpatialFactor is the factor by which latent height/width are smaller than
// pixel height/width.
func (c *Codec) SpatialFactor() int {
	return 1 << (c.inner.NumBlocks() - 1)
}

// LatentChannels is the channel count of the latent space.
func (c *Codec) LatentChannels() int {
	return c.inner.LatentChannels()
}

// EncodeFrames encodes [F, 3, H, W] frames in [-1, 1] to scaled latents
// [F, C, H/f, W/f], one frame at a time.
func (c *Codec) EncodeFrames(frames *array.Array) (*array.Array, error) {
	shape := frames.Shape()
	if len(shape) != 4 {
		return nil, &array.ShapeError{Op: "encode frames", Got: shape, Want: "4 dimensions [f, c, h, w]"}
	}

	encoded := make([]*array.Array, shape[0])
	for i := 0; i < shape[0]; i++ {
		frame, err := sliceFrame(frames, i)
		if err != nil {
			return nil, err
		}
		latent, err := c.inner.EncodeFrame(frame)
		if err != nil {
			return nil, fmt.Errorf("vae: encode frame %d: %w", i, err)
		}
		encoded[i] = array.MulScalar(latent, ScaleFactor)
	}
	return array.Concat(0, encoded...)
}

// DecodeVideo decodes a [B, C, F, h, w] latent to an RGB video
// [B, 3, F, H, W] with values in [0, 1]. Frames decode independently, up
// to envconfig.DecodeParallel at a time. Only rank 0 logs progress.
func (c *Codec) DecodeVideo(latent *array.Array, rank int) (*array.Array, error) {
	shape := latent.Shape()
	if len(shape) != 5 {
		return nil, &array.ShapeError{Op: "decode video", Got: shape, Want: "5 dimensions [b, c, f, h, w]"}
	}
	b, f := shape[0], shape[2]

	scaled := array.MulScalar(latent, 1/float32(ScaleFactor))

	if rank == 0 {
		c.log.Debug("decoding latent video",
			"frames", f,
			"latent_size", format.HumanBytes(int64(latent.NumElems()*4)))
	}

	type slot struct {
		batch, frame int
	}
	frames := make(map[slot]*array.Array, b*f)
	slots := make([]slot, 0, b*f)
	for bi := 0; bi < b; bi++ {
		for fi := 0; fi < f; fi++ {
			slots = append(slots, slot{bi, fi})
		}
	}

	decoded := make([]*array.Array, len(slots))
	var g errgroup.Group
	g.SetLimit(envconfig.DecodeParallel)
	for i, s := range slots {
		i, s := i, s
		g.Go(func() error {
			frame, err := latentFrame(scaled, s.batch, s.frame)
			if err != nil {
				return err
			}
			out, err := c.inner.DecodeFrame(frame)
			if err != nil {
				return fmt.Errorf("vae: decode frame %d/%d: %w", s.batch, s.frame, err)
			}
			decoded[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, s := range slots {
		frames[s] = decoded[i]
	}

	// Assemble [B, 3, F, H, W], then map [-1, 1] to [0, 1].
	first := frames[slots[0]]
	fs := first.Shape()
	outC, outH, outW := fs[1], fs[2], fs[3]
	video := array.Zeros(b, outC, f, outH, outW)
	for bi := 0; bi < b; bi++ {
		for fi := 0; fi < f; fi++ {
			frame := frames[slot{bi, fi}]
			single, err := frame.Reshape(1, outC, outH, outW)
			if err != nil {
				return nil, err
			}
			if err := setBatchFrame(video, bi, fi, single); err != nil {
				return nil, err
			}
		}
	}

	video = array.AddScalar(array.MulScalar(video, 0.5), 0.5)
	return array.Clip(video, 0, 1), nil
}

// sliceFrame returns frames[i] as [1, c, h, w].
func sliceFrame(frames *array.Array, i int) (*array.Array, error) {
	shape := frames.Shape()
	c, h, w := shape[1], shape[2], shape[3]
	n := c * h * w
	data := make([]float32, n)
	copy(data, frames.Data()[i*n:(i+1)*n])
	return array.New(data, 1, c, h, w), nil
}

// latentFrame extracts latent[b, :, f] as [1, c, h, w].
func latentFrame(latent *array.Array, b, f int) (*array.Array, error) {
	frame, err := array.Frames(latent, []int{f})
	if err != nil {
		return nil, err
	}
	shape := latent.Shape()
	c, h, w := shape[1], shape[3], shape[4]
	plane := c * h * w
	data := make([]float32, plane)
	copy(data, frame.Data()[b*plane:(b+1)*plane])
	return array.New(data, 1, c, h, w), nil
}

// setBatchFrame writes a decoded [1, c, h, w] frame into video[b, :, f].
func setBatchFrame(video *array.Array, b, f int, frame *array.Array) error {
	vs := video.Shape()
	c, fr, h, w := vs[1], vs[2], vs[3], vs[4]
	plane := h * w
	vd := video.Data()
	fd := frame.Data()
	for ci := 0; ci < c; ci++ {
		do := ((b*c+ci)*fr + f) * plane
		so := ci * plane
		copy(vd[do:do+plane], fd[so:so+plane])
	}
	return nil
}
