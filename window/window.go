// Package window produces the overlapping frame-index windows a long video
// is denoised in. The noise-prediction network has a fixed temporal
// receptive field, so every timestep the frame axis is covered by a set of
// windows whose predictions are later averaged per frame.
//
// Scheduling is a pure function of its arguments: for fixed inputs every
// call returns the identical window sequence. Distributed ranks rely on
// this to compute the same partition independently and then shard it by
// rank index without communicating.
package window

import "fmt"

// Policy computes the window set for one denoising step. numFrames is the
// video's temporal extent, windowSize the network's receptive field, and
// overlap the number of frames consecutive windows share.
type Policy func(step, totalSteps, numFrames, windowSize, stride, overlap int) [][]int

// UnsupportedPolicyError is returned when a schedule name has no registered
// policy.
type UnsupportedPolicyError struct {
	Name string
}

func (e *UnsupportedPolicyError) Error() string {
	return fmt.Sprintf("window: unsupported schedule policy %q", e.Name)
}

var policies = map[string]Policy{
	"uniform": Uniform,
	"rotate":  Rotate,
}

// Schedule validates the policy name and parameters and returns the window
// set for the given step.
func Schedule(policy string, step, totalSteps, numFrames, windowSize, stride, overlap int) ([][]int, error) {
	p, ok := policies[policy]
	if !ok {
		return nil, &UnsupportedPolicyError{Name: policy}
	}
	if err := validate(numFrames, windowSize, stride, overlap); err != nil {
		return nil, err
	}
	return p(step, totalSteps, numFrames, windowSize, stride, overlap), nil
}

// TotalWindows counts the windows scheduled across all steps, for progress
// reporting before the loop starts.
func TotalWindows(policy string, totalSteps, numFrames, windowSize, stride, overlap int) (int, error) {
	total := 0
	for step := 0; step < totalSteps; step++ {
		windows, err := Schedule(policy, step, totalSteps, numFrames, windowSize, stride, overlap)
		if err != nil {
			return 0, err
		}
		total += len(windows)
	}
	return total, nil
}

// Policies returns the registered schedule names.
func Policies() []string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	return names
}

func validate(numFrames, windowSize, stride, overlap int) error {
	if numFrames < 1 {
		return fmt.Errorf("window: num frames must be >= 1, got %d", numFrames)
	}
	if windowSize < 1 {
		return fmt.Errorf("window: window size must be >= 1, got %d", windowSize)
	}
	if stride < 1 {
		return fmt.Errorf("window: stride must be >= 1, got %d", stride)
	}
	if overlap < 0 || overlap >= windowSize {
		return fmt.Errorf("window: overlap must be in [0, %d), got %d", windowSize, overlap)
	}
	return nil
}

// Uniform slides a fixed window across the frame axis. Consecutive windows
// overlap by exactly `overlap` frames; the last window is truncated when
// numFrames is not evenly divisible. The window set is the same at every
// step.
func Uniform(step, totalSteps, numFrames, windowSize, stride, overlap int) [][]int {
	if numFrames <= windowSize {
		return [][]int{frameRange(0, numFrames, numFrames)}
	}

	advance := windowSize - overlap
	var windows [][]int
	for start := 0; ; start += advance {
		end := start + windowSize
		if end >= numFrames {
			windows = append(windows, frameRange(start, numFrames, numFrames))
			break
		}
		windows = append(windows, frameRange(start, end, numFrames))
	}
	return windows
}

// Rotate is Uniform with a start offset that advances by stride frames each
// step, wrapping windows around the frame axis. Rotating the seams across
// steps keeps window boundaries from settling on the same frames every
// timestep.
func Rotate(step, totalSteps, numFrames, windowSize, stride, overlap int) [][]int {
	if numFrames <= windowSize {
		return [][]int{frameRange(0, numFrames, numFrames)}
	}

	advance := windowSize - overlap
	offset := (step * stride) % advance
	count := (numFrames + advance - 1) / advance
	windows := make([][]int, 0, count)
	for k := 0; k < count; k++ {
		start := offset + k*advance
		windows = append(windows, frameRange(start, start+windowSize, numFrames))
	}
	return windows
}

// frameRange returns [start, end) with indices wrapped modulo numFrames.
func frameRange(start, end, numFrames int) []int {
	frames := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		frames = append(frames, ((i%numFrames)+numFrames)%numFrames)
	}
	return frames
}
