// Package pipeline is the video diffusion sampler: it denoises a latent
// video tensor through a noise-prediction network in overlapping temporal
// windows, merges per-frame predictions across windows and ranks, and
// decodes the result to RGB.
package pipeline

import (
	"context"
	"fmt"
	"image"

	"github.com/vidiff/vidiff/array"
	"github.com/vidiff/vidiff/dist"
	"github.com/vidiff/vidiff/guidance"
	"github.com/vidiff/vidiff/logging"
	"github.com/vidiff/vidiff/refattn"
	"github.com/vidiff/vidiff/scheduler"
	"github.com/vidiff/vidiff/vae"
	"github.com/vidiff/vidiff/window"
)

// TextEncoder produces conditioning embeddings [1, seq, hidden] from a
// prompt. The unconditional branch is encoded from the negative prompt,
// falling back to the empty string.
type TextEncoder interface {
	Encode(prompt string) (*array.Array, error)
}

// NoisePredictor is the learned network. It maps a noisy latent window
// batch, a timestep, conditioning, optional control maps and an optional
// reference side channel to predicted noise of the same shape as the
// latent input. ref is nil when no reference module participates.
type NoisePredictor interface {
	Predict(latent *array.Array, t int, cond, control *array.Array, ref *refattn.Handle) (*array.Array, error)
}

// ConfigurationError is an unsupported parameter combination, detected
// before any model invocation.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "pipeline: " + e.Reason
}

// Pipeline wires the external collaborators together. Collective defaults
// to the single-rank no-op; Log defaults to the shared logger.
type Pipeline struct {
	Text       TextEncoder
	Codec      *vae.Codec
	Predictor  NoisePredictor
	Reference  refattn.Encoder // optional
	Scheduler  scheduler.Scheduler
	Collective dist.Collective
	Log        *logging.Logger
}

func (p *Pipeline) collective() dist.Collective {
	if p.Collective == nil {
		return dist.Single{}
	}
	return p.Collective
}

func (p *Pipeline) logger() *logging.Logger {
	if p.Log == nil {
		p.Log = logging.NewLogger()
	}
	return p.Log
}

// GenerateOptions parameterizes one sampling call.
type GenerateOptions struct {
	Prompt         string
	NegativePrompt string

	// Embedding, when set, bypasses the text encoder. UncondEmbedding is
	// required alongside it if guidance is enabled.
	Embedding       *array.Array
	UncondEmbedding *array.Array

	// ZeroEmbedding replaces both conditioning branches with zeros, keeping
	// their shapes. Used to measure how much the output owes to text
	// conditioning.
	ZeroEmbedding bool

	NumFrames int
	Height    int
	Width     int

	NumInferenceSteps int
	// NumActualInferenceSteps, when > 0, runs only the trailing steps of
	// the schedule; earlier steps keep their bookkeeping but skip the
	// network.
	NumActualInferenceSteps int
	GuidanceScale           float64

	// Control is a per-frame control map sequence [1, F, H, W, C] with
	// values in [0, 1].
	Control *array.Array

	// Context window parameters.
	WindowSize   int
	Stride       int
	Overlap      int
	ContextBatch int
	Policy       string

	// Latents supplies a precomputed initial latent instead of random
	// init. Its shape must match the one the other parameters imply.
	Latents *array.Array

	// InterpolationFactor inserts factor-1 intermediate latent frames
	// between every consecutive pair before decoding. Values below 2
	// leave the latent unchanged. Interpolation selects the blend; nil
	// means Lerp.
	InterpolationFactor int
	Interpolation       InterpolationFunc

	// Reference conditions sampling on an appearance image.
	Reference image.Image

	NumVideosPerPrompt int // only 1 is supported
	Seed               int64

	// Progress, when set, is called on the coordinator rank after each
	// executed timestep.
	Progress func(step, totalSteps int)

	// ReturnLatent skips decoding and returns the raw latent only.
	ReturnLatent bool
}

// Video is a finished sample.
type Video struct {
	// Frames is the decoded video [1, 3, F, H, W] in [0, 1]. Nil when
	// ReturnLatent was set.
	Frames *array.Array
	// Latent is the final denoised latent [1, C, F, h, w].
	Latent *array.Array
}

// Generate runs the full sampling loop and decodes the result. All ranks
// call Generate with identical options; they return identical videos.
func (p *Pipeline) Generate(ctx context.Context, opts GenerateOptions) (*Video, error) {
	if err := p.validate(&opts); err != nil {
		return nil, err
	}
	log := p.logger()
	coll := p.collective()

	useGuidance := opts.GuidanceScale > 1
	cond, uncond, err := p.embeddings(&opts, useGuidance)
	if err != nil {
		return nil, err
	}

	factor := p.Codec.SpatialFactor()
	latentShape := []int{1, p.Codec.LatentChannels(), opts.NumFrames, opts.Height / factor, opts.Width / factor}

	var control *array.Array
	if opts.Control != nil {
		// Frame-major [F, c, H, W] so window gathering can index frames.
		control, err = guidance.Control(opts.Control)
		if err != nil {
			return nil, err
		}
	}

	refLatent, err := p.referenceLatent(&opts)
	if err != nil {
		return nil, err
	}

	latents, err := p.initialLatents(&opts, latentShape, refLatent)
	if err != nil {
		return nil, err
	}

	timesteps := p.Scheduler.Timesteps(opts.NumInferenceSteps)
	skip := 0
	if opts.NumActualInferenceSteps > 0 {
		skip = opts.NumInferenceSteps - opts.NumActualInferenceSteps
	}

	log.Info("sampling",
		"frames", opts.NumFrames,
		"steps", opts.NumInferenceSteps,
		"window", opts.WindowSize,
		"overlap", opts.Overlap,
		"policy", opts.Policy,
		"guidance", useGuidance,
		"rank", coll.Rank(),
		"world_size", coll.WorldSize())

	st := &stepState{
		pipeline:   p,
		collective: coll,
		log:        log,
		opts:       &opts,
		guidance:   useGuidance,
		cond:       cond,
		uncond:     uncond,
		control:    control,
		refLatent:  refLatent,
	}
	for i, t := range timesteps {
		if i < skip {
			log.Trace("skipping timestep", "step", i, "timestep", t)
			continue
		}
		latents, err = st.run(ctx, latents, t, i, len(timesteps))
		if err != nil {
			return nil, err
		}
		log.Debug("step complete", "step", i, "timestep", t)
		if opts.Progress != nil && coll.Rank() == dist.Coordinator {
			opts.Progress(i, len(timesteps))
		}
	}

	if opts.InterpolationFactor > 1 {
		interp := opts.Interpolation
		if interp == nil {
			interp = Lerp
		}
		latents, err = InterpolateFrames(latents, opts.InterpolationFactor, interp)
		if err != nil {
			return nil, err
		}
	}

	out := &Video{Latent: latents}
	if opts.ReturnLatent {
		return out, nil
	}
	out.Frames, err = p.Codec.DecodeVideo(latents, coll.Rank())
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) validate(opts *GenerateOptions) error {
	if opts.NumVideosPerPrompt == 0 {
		opts.NumVideosPerPrompt = 1
	}
	// Correctness for more than one video per prompt is unverified; fail
	// fast rather than quietly producing a wrong batch.
	if opts.NumVideosPerPrompt != 1 {
		return &ConfigurationError{Reason: fmt.Sprintf("num videos per prompt must be 1, got %d", opts.NumVideosPerPrompt)}
	}
	if opts.NumFrames < 1 {
		return &ConfigurationError{Reason: fmt.Sprintf("num frames must be >= 1, got %d", opts.NumFrames)}
	}
	if opts.NumInferenceSteps < 1 {
		return &ConfigurationError{Reason: fmt.Sprintf("num inference steps must be >= 1, got %d", opts.NumInferenceSteps)}
	}
	if opts.NumActualInferenceSteps > opts.NumInferenceSteps {
		return &ConfigurationError{Reason: fmt.Sprintf("num actual inference steps %d exceeds num inference steps %d", opts.NumActualInferenceSteps, opts.NumInferenceSteps)}
	}
	if train := p.Scheduler.NumTrainTimesteps(); opts.NumInferenceSteps > train {
		return &ConfigurationError{Reason: fmt.Sprintf("num inference steps %d exceeds the training schedule length %d", opts.NumInferenceSteps, train)}
	}

	factor := p.Codec.SpatialFactor()
	if opts.Height%factor != 0 || opts.Width%factor != 0 {
		return &ConfigurationError{Reason: fmt.Sprintf("height %d and width %d must be divisible by the autoencoder factor %d", opts.Height, opts.Width, factor)}
	}

	if opts.Control != nil {
		if shape := opts.Control.Shape(); len(shape) != 5 || shape[0] != 1 || shape[1] != opts.NumFrames {
			return &ConfigurationError{Reason: fmt.Sprintf("control shape %v does not match [1, %d, h, w, c]", shape, opts.NumFrames)}
		}
	}
	if opts.Latents != nil {
		want := []int{1, p.Codec.LatentChannels(), opts.NumFrames, opts.Height / factor, opts.Width / factor}
		if got := opts.Latents.Shape(); !sameDims(got, want) {
			return &ConfigurationError{Reason: fmt.Sprintf("supplied latents shape %v, expected %v", got, want)}
		}
	}

	if opts.WindowSize == 0 {
		opts.WindowSize = opts.NumFrames
	}
	if opts.Stride == 0 {
		opts.Stride = 1
	}
	if opts.ContextBatch == 0 {
		opts.ContextBatch = 1
	}
	if opts.Policy == "" {
		opts.Policy = "uniform"
	}
	// Validates the policy name and window parameters before any model
	// work; ranks shard the same deterministic schedule independently.
	if _, err := window.Schedule(opts.Policy, 0, opts.NumInferenceSteps, opts.NumFrames, opts.WindowSize, opts.Stride, opts.Overlap); err != nil {
		return &ConfigurationError{Reason: err.Error()}
	}
	return nil
}

func (p *Pipeline) embeddings(opts *GenerateOptions, useGuidance bool) (cond, uncond *array.Array, err error) {
	cond = opts.Embedding
	if cond == nil {
		cond, err = p.Text.Encode(opts.Prompt)
		if err != nil {
			return nil, nil, fmt.Errorf("pipeline: encode prompt: %w", err)
		}
	}
	if useGuidance {
		uncond = opts.UncondEmbedding
		if uncond == nil {
			uncond, err = p.Text.Encode(opts.NegativePrompt)
			if err != nil {
				return nil, nil, fmt.Errorf("pipeline: encode negative prompt: %w", err)
			}
		}
	}
	if opts.ZeroEmbedding {
		cond = array.Zeros(cond.Shape()...)
		if uncond != nil {
			uncond = array.Zeros(uncond.Shape()...)
		}
	}
	return cond, uncond, nil
}

func (p *Pipeline) referenceLatent(opts *GenerateOptions) (*array.Array, error) {
	if opts.Reference == nil {
		return nil, nil
	}
	prepared, _, _ := vae.PrepareImage(opts.Reference, p.Codec.SpatialFactor())
	latent, err := p.Codec.EncodeFrames(vae.ImageToTensor(prepared))
	if err != nil {
		return nil, err
	}
	return latent, nil
}

// initialLatents draws the starting noise, or takes the supplied latent
// already validated against the expected shape, and blends in the
// reference latent when one is present so early steps stay near the
// reference appearance. The blend applies to supplied latents too.
func (p *Pipeline) initialLatents(opts *GenerateOptions, latentShape []int, refLatent *array.Array) (*array.Array, error) {
	latents := opts.Latents
	if latents == nil {
		latents = array.MulScalar(array.RandomNormal(opts.Seed, latentShape...), p.Scheduler.InitNoiseSigma())
	}
	if refLatent == nil {
		return latents, nil
	}

	rs := refLatent.Shape()
	if rs[1] != latentShape[1] || rs[2] != latentShape[3] || rs[3] != latentShape[4] {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("reference latent shape %v does not match video latent %v", rs, latentShape)}
	}
	refVideo := array.Zeros(latentShape...)
	refFrame, err := refLatent.Reshape(1, latentShape[1], latentShape[3], latentShape[4])
	if err != nil {
		return nil, err
	}
	for f := 0; f < latentShape[2]; f++ {
		if err := array.SetFrame(refVideo, f, refFrame); err != nil {
			return nil, err
		}
	}
	return array.Add(
		array.MulScalar(latents, 0.9),
		array.MulScalar(refVideo, 0.1*p.Scheduler.InitNoiseSigma()),
	)
}

func sameDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
