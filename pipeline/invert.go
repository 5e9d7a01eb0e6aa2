package pipeline

import (
	"fmt"
	"math"

	"github.com/vidiff/vidiff/array"
)

// InvertOptions parameterizes DDIM inversion of a clean latent back to its
// starting noise.
type InvertOptions struct {
	// Embedding conditions the noise predictions; inversion runs without
	// guidance.
	Embedding *array.Array
	// Control is the optional per-frame control sequence [F, c, H, W].
	Control *array.Array

	NumInferenceSteps int
	// NumActualInferenceSteps, when > 0, runs only that many inversion
	// steps from the clean end of the schedule; the rest are skipped.
	NumActualInferenceSteps int

	// KeepTrajectory records the latent after every inversion step.
	KeepTrajectory bool
}

// Invert maps a clean video latent to the noise that deterministically
// denoises back to it under the same schedule and network:
//
//	x0     = (x_t - sqrt(1-a_t) e) / sqrt(a_t)
//	x_next = sqrt(a_next) x0 + sqrt(1-a_next) e
//
// walking the timestep schedule in increasing order. The returned
// trajectory is nil unless KeepTrajectory is set; otherwise it holds one
// latent per executed step, ending with the returned one.
func (p *Pipeline) Invert(latent *array.Array, opts InvertOptions) (*array.Array, []*array.Array, error) {
	if opts.NumInferenceSteps < 1 {
		return nil, nil, &ConfigurationError{Reason: fmt.Sprintf("num inference steps must be >= 1, got %d", opts.NumInferenceSteps)}
	}
	if train := p.Scheduler.NumTrainTimesteps(); opts.NumInferenceSteps > train {
		return nil, nil, &ConfigurationError{Reason: fmt.Sprintf("num inference steps %d exceeds the training schedule length %d", opts.NumInferenceSteps, train)}
	}
	steps := opts.NumActualInferenceSteps
	if steps <= 0 || steps > opts.NumInferenceSteps {
		steps = opts.NumInferenceSteps
	}

	schedule := p.Scheduler.Timesteps(opts.NumInferenceSteps)
	// The sampler's schedule is decreasing; inversion walks it backwards.
	reversed := make([]int, len(schedule))
	for i, t := range schedule {
		reversed[len(schedule)-1-i] = t
	}

	alphas := p.Scheduler.AlphasCumprod()
	ratio := p.Scheduler.NumTrainTimesteps() / opts.NumInferenceSteps

	var trajectory []*array.Array
	if opts.KeepTrajectory {
		trajectory = make([]*array.Array, 0, steps)
	}

	current := latent
	for i := 0; i < steps; i++ {
		t := reversed[i]

		pred, err := p.Predictor.Predict(p.Scheduler.ScaleModelInput(current, t), t, opts.Embedding, opts.Control, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("pipeline: invert at timestep %d: %w", t, err)
		}
		if !array.SameShape(pred, current) {
			return nil, nil, &array.ShapeError{Op: "inversion prediction", Got: pred.Shape(), Want: fmt.Sprintf("%v", current.Shape())}
		}

		// x_t sits at alpha-bar of the previous (smaller) timestep; the
		// update lifts it to this one.
		at := p.Scheduler.FinalAlphaCumprod()
		if prevT := t - ratio; prevT >= 0 {
			at = alphas[prevT]
		}
		aNext := alphas[t]

		x0, err := array.Sub(current, array.MulScalar(pred, float32(math.Sqrt(1-at))))
		if err != nil {
			return nil, nil, err
		}
		x0 = array.MulScalar(x0, float32(1/math.Sqrt(at)))

		current, err = array.Add(
			array.MulScalar(x0, float32(math.Sqrt(aNext))),
			array.MulScalar(pred, float32(math.Sqrt(1-aNext))),
		)
		if err != nil {
			return nil, nil, err
		}
		if opts.KeepTrajectory {
			trajectory = append(trajectory, current)
		}
	}
	return current, trajectory, nil
}
