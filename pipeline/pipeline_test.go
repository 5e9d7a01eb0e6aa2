package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/vidiff/vidiff/array"
	"github.com/vidiff/vidiff/dist"
	"github.com/vidiff/vidiff/logging"
	"github.com/vidiff/vidiff/refattn"
	"github.com/vidiff/vidiff/scheduler"
	"github.com/vidiff/vidiff/vae"
	"github.com/vidiff/vidiff/window"
)

type fakeText struct {
	calls atomic.Int64
}

func (f *fakeText) Encode(prompt string) (*array.Array, error) {
	f.calls.Add(1)
	return array.Full(0.01*float32(len(prompt)+1), 1, 2, 4), nil
}

// fakeImageCodec collapses each frame to its mean, at a 1<<(blocks-1)
// spatial reduction.
type fakeImageCodec struct {
	channels, blocks int
}

func (c fakeImageCodec) LatentChannels() int { return c.channels }
func (c fakeImageCodec) NumBlocks() int      { return c.blocks }

func (c fakeImageCodec) EncodeFrame(frame *array.Array) (*array.Array, error) {
	s := frame.Shape()
	f := 1 << (c.blocks - 1)
	return array.Full(mean(frame), 1, c.channels, s[2]/f, s[3]/f), nil
}

func (c fakeImageCodec) DecodeFrame(latent *array.Array) (*array.Array, error) {
	s := latent.Shape()
	f := 1 << (c.blocks - 1)
	return array.Full(mean(latent), 1, 3, s[2]*f, s[3]*f), nil
}

func mean(a *array.Array) float32 {
	var sum float64
	for _, v := range a.Data() {
		sum += float64(v)
	}
	return float32(sum / float64(a.NumElems()))
}

// fakePredictor is a pure affine function of the latent window, so outputs
// are reproducible across ranks and runs.
type fakePredictor struct {
	scale, bias float32
	calls       atomic.Int64
}

func (p *fakePredictor) Predict(latent *array.Array, t int, cond, control *array.Array, ref *refattn.Handle) (*array.Array, error) {
	p.calls.Add(1)
	if ref != nil {
		if _, err := ref.Features(); err != nil {
			return nil, err
		}
	}
	return array.AddScalar(array.MulScalar(latent, p.scale), p.bias), nil
}

type fakeRefEncoder struct {
	writes atomic.Int64
}

func (e *fakeRefEncoder) Encode(ref *array.Array, t int, cond *array.Array) (*refattn.Bank, error) {
	e.writes.Add(1)
	return refattn.NewBank([]*array.Array{ref.Clone()}), nil
}

func newTestPipeline(t *testing.T, coll dist.Collective) (*Pipeline, *fakePredictor) {
	t.Helper()
	sched, err := scheduler.NewDDIM(nil)
	if err != nil {
		t.Fatal(err)
	}
	pred := &fakePredictor{scale: 0.1, bias: 0.05}
	return &Pipeline{
		Text:       &fakeText{},
		Codec:      vae.NewCodec(fakeImageCodec{channels: 4, blocks: 4}, logging.NewLogger().Slog()),
		Predictor:  pred,
		Scheduler:  sched,
		Collective: coll,
		Log:        logging.NewLogger(),
	}, pred
}

// Single window covering all frames, guidance off: the decoded video has
// the full pixel shape and stays inside [0, 1].
func TestGenerateSingleWindow(t *testing.T) {
	p, pred := newTestPipeline(t, nil)

	out, err := p.Generate(context.Background(), GenerateOptions{
		Prompt:            "a dancer on a beach",
		NumFrames:         16,
		Height:            32,
		Width:             32,
		NumInferenceSteps: 3,
		WindowSize:        16,
		Seed:              7,
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []int{1, 3, 16, 32, 32}
	if got := out.Frames.Shape(); !sameDims(got, want) {
		t.Fatalf("video shape %v, want %v", got, want)
	}
	for i, v := range out.Frames.Data() {
		if v < 0 || v > 1 {
			t.Fatalf("pixel %d = %v outside [0, 1]", i, v)
		}
	}
	wantLatent := []int{1, 4, 16, 4, 4}
	if got := out.Latent.Shape(); !sameDims(got, wantLatent) {
		t.Fatalf("latent shape %v, want %v", got, wantLatent)
	}
	// One window per step.
	if got := pred.calls.Load(); got != 3 {
		t.Errorf("%d predictor calls, want 3", got)
	}
}

// An interpolation factor of k grows the final latent to (F-1)*k+1 frames
// before decoding, so the video carries the interpolated frame count.
func TestGenerateInterpolatesBeforeDecode(t *testing.T) {
	p, _ := newTestPipeline(t, nil)

	out, err := p.Generate(context.Background(), GenerateOptions{
		Prompt:              "smooth",
		NumFrames:           8,
		Height:              16,
		Width:               16,
		NumInferenceSteps:   1,
		WindowSize:          8,
		InterpolationFactor: 2,
		Seed:                11,
	})
	if err != nil {
		t.Fatal(err)
	}

	wantLatent := []int{1, 4, 15, 2, 2}
	if got := out.Latent.Shape(); !sameDims(got, wantLatent) {
		t.Fatalf("latent shape %v, want %v", got, wantLatent)
	}
	wantFrames := []int{1, 3, 15, 16, 16}
	if got := out.Frames.Shape(); !sameDims(got, wantFrames) {
		t.Errorf("video shape %v, want %v", got, wantFrames)
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	opts := GenerateOptions{
		Prompt:            "deterministic",
		NumFrames:         8,
		Height:            16,
		Width:             16,
		NumInferenceSteps: 2,
		WindowSize:        8,
		Seed:              21,
		ReturnLatent:      true,
	}

	p1, _ := newTestPipeline(t, nil)
	a, err := p1.Generate(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	p2, _ := newTestPipeline(t, nil)
	b, err := p2.Generate(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range a.Latent.Data() {
		if v != b.Latent.Data()[i] {
			t.Fatalf("latent diverges at %d: %v vs %v", i, v, b.Latent.Data()[i])
		}
	}
}

// Overlapping windows: the merged counter is 2 exactly on the overlap
// frames and 1 everywhere else.
func TestAccumulatorCounterOnOverlap(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	const numFrames, windowSize, overlap = 28, 16, 4

	windows, err := window.Schedule("uniform", 0, 1, numFrames, windowSize, 1, overlap)
	if err != nil {
		t.Fatal(err)
	}
	if len(windows) != 2 {
		t.Fatalf("%d windows, want 2", len(windows))
	}

	st := &stepState{
		pipeline:   p,
		collective: dist.Single{},
		log:        p.logger(),
		opts:       &GenerateOptions{NumFrames: numFrames, ContextBatch: 1, GuidanceScale: 1},
		cond:       array.Full(0.1, 1, 2, 4),
	}
	latents := array.RandomNormal(5, 1, 4, numFrames, 4, 4)
	acc, err := st.accumulate(latents, 981, partition(windows, 1), nil)
	if err != nil {
		t.Fatal(err)
	}

	for f := 0; f < numFrames; f++ {
		want := float32(1)
		if f >= windowSize-overlap && f < windowSize {
			want = 2
		}
		if acc.counter[f] != want {
			t.Errorf("counter[%d] = %v, want %v", f, acc.counter[f], want)
		}
	}
}

// Two loopback ranks sharding the windows produce the same latent as one
// rank processing all of them.
func TestTwoRanksMatchSingleRank(t *testing.T) {
	opts := GenerateOptions{
		Prompt:            "aggregation",
		NumFrames:         32,
		Height:            16,
		Width:             16,
		NumInferenceSteps: 2,
		GuidanceScale:     7.5,
		WindowSize:        16,
		Overlap:           4,
		Seed:              13,
		ReturnLatent:      true,
	}

	single, _ := newTestPipeline(t, nil)
	ref, err := single.Generate(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}

	colls := dist.NewLoopback(2)
	results := make([]*Video, 2)
	var g errgroup.Group
	for rank := 0; rank < 2; rank++ {
		rank := rank
		g.Go(func() error {
			p, _ := newTestPipeline(t, colls[rank])
			out, err := p.Generate(context.Background(), opts)
			if err != nil {
				return err
			}
			results[rank] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	want := ref.Latent.Data()
	for rank, out := range results {
		got := out.Latent.Data()
		for i := range want {
			// Merge order differs between one and two ranks; allow float
			// noise only.
			if math.Abs(float64(got[i]-want[i])) > 1e-5 {
				t.Fatalf("rank %d latent diverges at %d: %v vs %v", rank, i, got[i], want[i])
			}
		}
	}
}

func TestGuidanceScaleChangesOutput(t *testing.T) {
	base := GenerateOptions{
		Prompt:            "guidance",
		NegativePrompt:    "blurry",
		NumFrames:         8,
		Height:            16,
		Width:             16,
		NumInferenceSteps: 2,
		WindowSize:        8,
		Seed:              3,
		ReturnLatent:      true,
	}

	p, _ := newTestPipeline(t, nil)
	off, err := p.Generate(context.Background(), base)
	if err != nil {
		t.Fatal(err)
	}

	withGuidance := base
	withGuidance.GuidanceScale = 7.5
	p2, _ := newTestPipeline(t, nil)
	on, err := p2.Generate(context.Background(), withGuidance)
	if err != nil {
		t.Fatal(err)
	}

	same := true
	for i, v := range off.Latent.Data() {
		if v != on.Latent.Data()[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("guidance scale had no effect on the latent")
	}
}

func TestPartialInferenceSkipsLeadingSteps(t *testing.T) {
	p, pred := newTestPipeline(t, nil)
	var progressed []int
	_, err := p.Generate(context.Background(), GenerateOptions{
		Prompt:                  "partial",
		NumFrames:               8,
		Height:                  16,
		Width:                   16,
		NumInferenceSteps:       5,
		NumActualInferenceSteps: 2,
		WindowSize:              8,
		ReturnLatent:            true,
		Progress:                func(step, total int) { progressed = append(progressed, step) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := pred.calls.Load(); got != 2 {
		t.Errorf("%d predictor calls, want 2", got)
	}
	// Only executed steps report progress.
	if len(progressed) != 2 || progressed[0] != 3 || progressed[1] != 4 {
		t.Errorf("progress callbacks at %v, want [3 4]", progressed)
	}
}

func TestReferenceWritePassOncePerStep(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	enc := &fakeRefEncoder{}
	p.Reference = enc

	img := testImage(32, 32)
	_, err := p.Generate(context.Background(), GenerateOptions{
		Prompt:            "reference",
		NumFrames:         8,
		Height:            32,
		Width:             32,
		NumInferenceSteps: 3,
		WindowSize:        4,
		Overlap:           1,
		Reference:         img,
		ReturnLatent:      true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := enc.writes.Load(); got != 3 {
		t.Errorf("%d reference write passes, want 3", got)
	}
}

// The reference blend applies to supplied starting latents the same way
// it does to freshly drawn noise.
func TestSuppliedLatentsBlendWithReference(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	shape := []int{1, 4, 3, 2, 2}
	supplied := array.Full(1, shape...)
	refLatent := array.Full(2, 1, 4, 2, 2)

	got, err := p.initialLatents(&GenerateOptions{Latents: supplied}, shape, refLatent)
	if err != nil {
		t.Fatal(err)
	}
	// 0.9*supplied + 0.1*sigma*reference with sigma = 1.
	want := float32(0.9*1 + 0.1*2)
	for i, v := range got.Data() {
		if math.Abs(float64(v-want)) > 1e-6 {
			t.Fatalf("element %d: got %v, want %v", i, v, want)
		}
	}
}

func TestMergeRejectsUncoveredFrame(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	st := &stepState{
		pipeline:   p,
		collective: dist.Single{},
		log:        p.logger(),
		opts:       &GenerateOptions{GuidanceScale: 1},
	}

	preds := []*array.Array{array.Full(1, 1, 4, 3, 2, 2)}
	counters := [][]float32{{1, 0, 1}}
	_, err := st.merge(preds, counters)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError for uncovered frame, got %v", err)
	}
}

func testImage(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 5), B: 128, A: 255})
		}
	}
	return img
}

func TestValidationFailsFast(t *testing.T) {
	p, pred := newTestPipeline(t, nil)
	base := GenerateOptions{
		Prompt:            "x",
		NumFrames:         8,
		Height:            16,
		Width:             16,
		NumInferenceSteps: 2,
		WindowSize:        8,
	}

	cases := []struct {
		name   string
		mutate func(*GenerateOptions)
	}{
		{"multiple videos per prompt", func(o *GenerateOptions) { o.NumVideosPerPrompt = 2 }},
		{"indivisible resolution", func(o *GenerateOptions) { o.Height = 17 }},
		{"unknown policy", func(o *GenerateOptions) { o.Policy = "spiral" }},
		{"overlap at window size", func(o *GenerateOptions) { o.Overlap = 8 }},
		{"latent shape mismatch", func(o *GenerateOptions) { o.Latents = array.Zeros(1, 4, 8, 3, 3) }},
		{"actual steps above total", func(o *GenerateOptions) { o.NumActualInferenceSteps = 3 }},
		{"steps above train schedule", func(o *GenerateOptions) { o.NumInferenceSteps = 1001 }},
		{"control frame mismatch", func(o *GenerateOptions) { o.Control = array.Zeros(1, 4, 16, 16, 3) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := base
			tc.mutate(&opts)
			_, err := p.Generate(context.Background(), opts)
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
		})
	}
	if got := pred.calls.Load(); got != 0 {
		t.Errorf("predictor ran %d times before validation failure", got)
	}
	// All rejections happen before the text encoder too.
	if got := p.Text.(*fakeText).calls.Load(); got != 0 {
		t.Errorf("text encoder ran %d times before validation failure", got)
	}
}

func TestUnknownPolicyError(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	_, err := p.Generate(context.Background(), GenerateOptions{
		Prompt:            "x",
		NumFrames:         8,
		Height:            16,
		Width:             16,
		NumInferenceSteps: 1,
		Policy:            "zigzag",
	})
	if err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
