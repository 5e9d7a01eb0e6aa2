// Package scheduler defines the diffusion scheduler contract the sampling
// pipeline consumes, and provides a DDIM implementation of it.
package scheduler

import "github.com/vidiff/vidiff/array"

// Scheduler is the reverse-diffusion step provider. Timesteps returns the
// strictly decreasing schedule for a run; Step applies one reverse update.
// The pipeline treats implementations as external collaborators and only
// relies on this contract.
type Scheduler interface {
	// Timesteps returns the ordered, strictly decreasing timestep sequence
	// for the given number of inference steps. numSteps must be at most
	// NumTrainTimesteps.
	Timesteps(numSteps int) []int

	// ScaleModelInput scales the latent before it is fed to the
	// noise-prediction network at timestep t.
	ScaleModelInput(sample *array.Array, t int) *array.Array

	// Step applies one reverse-diffusion update to sample using the model's
	// noise prediction at timestep t, returning the previous (less noisy)
	// latent.
	Step(pred, sample *array.Array, t int) (*array.Array, error)

	// InitNoiseSigma is the standard deviation the initial noise latent is
	// scaled by.
	InitNoiseSigma() float32

	// AlphasCumprod returns the cumulative alpha-bar schedule indexed by
	// train timestep. DDIM inversion needs these coefficients.
	AlphasCumprod() []float64

	// FinalAlphaCumprod is the alpha-bar used for the step past the end of
	// the schedule.
	FinalAlphaCumprod() float64

	// NumTrainTimesteps is the length of the training noise schedule.
	NumTrainTimesteps() int
}
