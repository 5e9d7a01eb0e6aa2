package scheduler

import (
	"fmt"
	"math"

	"github.com/vidiff/vidiff/array"
)

// DDIMConfig holds DDIM scheduler configuration.
type DDIMConfig struct {
	NumTrainTimesteps int     `json:"num_train_timesteps"` // 1000
	BetaStart         float64 `json:"beta_start"`          // 0.00085
	BetaEnd           float64 `json:"beta_end"`            // 0.012
	BetaSchedule      string  `json:"beta_schedule"`       // "scaled_linear"
	StepsOffset       int     `json:"steps_offset"`        // 1
	SetAlphaToOne     bool    `json:"set_alpha_to_one"`
}

// DefaultDDIMConfig returns the configuration used by Stable
// Diffusion-family video models.
func DefaultDDIMConfig() *DDIMConfig {
	return &DDIMConfig{
		NumTrainTimesteps: 1000,
		BetaStart:         0.00085,
		BetaEnd:           0.012,
		BetaSchedule:      "scaled_linear",
		StepsOffset:       1,
		SetAlphaToOne:     false,
	}
}

// DDIM implements the deterministic DDIM sampler (eta = 0).
type DDIM struct {
	Config *DDIMConfig

	alphasCumprod     []float64
	finalAlphaCumprod float64
	numInferenceSteps int
}

// NewDDIM creates a DDIM scheduler and precomputes its alpha-bar schedule.
func NewDDIM(cfg *DDIMConfig) (*DDIM, error) {
	if cfg == nil {
		cfg = DefaultDDIMConfig()
	}
	s := &DDIM{Config: cfg}

	betas := make([]float64, cfg.NumTrainTimesteps)
	switch cfg.BetaSchedule {
	case "linear":
		for i := range betas {
			betas[i] = cfg.BetaStart + (cfg.BetaEnd-cfg.BetaStart)*float64(i)/float64(cfg.NumTrainTimesteps-1)
		}
	case "scaled_linear":
		start := math.Sqrt(cfg.BetaStart)
		end := math.Sqrt(cfg.BetaEnd)
		for i := range betas {
			b := start + (end-start)*float64(i)/float64(cfg.NumTrainTimesteps-1)
			betas[i] = b * b
		}
	default:
		return nil, fmt.Errorf("scheduler: unknown beta schedule %q", cfg.BetaSchedule)
	}

	s.alphasCumprod = make([]float64, cfg.NumTrainTimesteps)
	prod := 1.0
	for i, b := range betas {
		prod *= 1.0 - b
		s.alphasCumprod[i] = prod
	}

	if cfg.SetAlphaToOne {
		s.finalAlphaCumprod = 1.0
	} else {
		s.finalAlphaCumprod = s.alphasCumprod[0]
	}
	return s, nil
}

// Timesteps returns numSteps timesteps in strictly decreasing order.
// numSteps must not exceed NumTrainTimesteps; callers validate that
// before reaching here.
func (s *DDIM) Timesteps(numSteps int) []int {
	s.numInferenceSteps = numSteps
	ratio := s.Config.NumTrainTimesteps / numSteps

	// The offset shifts the whole schedule up. When the top entry would
	// leave the training range (numSteps == NumTrainTimesteps), shrink
	// the offset instead of clamping, which would duplicate the top two
	// entries.
	offset := s.Config.StepsOffset
	if max := s.Config.NumTrainTimesteps - 1 - (numSteps-1)*ratio; offset > max {
		offset = max
	}

	ts := make([]int, numSteps)
	for i := 0; i < numSteps; i++ {
		ts[i] = (numSteps-1-i)*ratio + offset
	}
	return ts
}

// ScaleModelInput is the identity for DDIM.
func (s *DDIM) ScaleModelInput(sample *array.Array, t int) *array.Array {
	return sample
}

// Step performs the deterministic DDIM reverse update:
//
//	x0    = (x_t - sqrt(1-a_t) e) / sqrt(a_t)
//	x_prev = sqrt(a_prev) x0 + sqrt(1-a_prev) e
func (s *DDIM) Step(pred, sample *array.Array, t int) (*array.Array, error) {
	if s.numInferenceSteps == 0 {
		return nil, fmt.Errorf("scheduler: Step called before Timesteps")
	}
	prevT := t - s.Config.NumTrainTimesteps/s.numInferenceSteps

	at := s.alphasCumprod[t]
	aPrev := s.finalAlphaCumprod
	if prevT >= 0 {
		aPrev = s.alphasCumprod[prevT]
	}

	sqrtAt := float32(math.Sqrt(at))
	sqrtOneMinusAt := float32(math.Sqrt(1 - at))
	sqrtAPrev := float32(math.Sqrt(aPrev))
	sqrtOneMinusAPrev := float32(math.Sqrt(1 - aPrev))

	// x0 = (x - sqrt(1-a_t) e) / sqrt(a_t)
	x0, err := array.Sub(sample, array.MulScalar(pred, sqrtOneMinusAt))
	if err != nil {
		return nil, err
	}
	x0 = array.MulScalar(x0, 1/sqrtAt)

	// x_prev = sqrt(a_prev) x0 + sqrt(1-a_prev) e
	return array.Add(array.MulScalar(x0, sqrtAPrev), array.MulScalar(pred, sqrtOneMinusAPrev))
}

// InitNoiseSigma is 1 for DDIM.
func (s *DDIM) InitNoiseSigma() float32 {
	return 1.0
}

// AlphasCumprod returns the cumulative alpha-bar schedule.
func (s *DDIM) AlphasCumprod() []float64 {
	return s.alphasCumprod
}

// FinalAlphaCumprod returns the alpha-bar used past the end of the schedule.
func (s *DDIM) FinalAlphaCumprod() float64 {
	return s.finalAlphaCumprod
}

// NumTrainTimesteps returns the training schedule length.
func (s *DDIM) NumTrainTimesteps() int {
	return s.Config.NumTrainTimesteps
}

var _ Scheduler = (*DDIM)(nil)
