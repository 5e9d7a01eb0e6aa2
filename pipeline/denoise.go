package pipeline

import (
	"context"
	"fmt"

	"github.com/vidiff/vidiff/array"
	"github.com/vidiff/vidiff/dist"
	"github.com/vidiff/vidiff/guidance"
	"github.com/vidiff/vidiff/logging"
	"github.com/vidiff/vidiff/refattn"
	"github.com/vidiff/vidiff/window"
)

// stepState carries the per-call conditioning a timestep needs. The latent
// itself is threaded through run explicitly: the coordinator computes the
// authoritative post-step latent and every rank continues with the
// broadcast copy.
type stepState struct {
	pipeline   *Pipeline
	collective dist.Collective
	log        *logging.Logger
	opts       *GenerateOptions
	guidance   bool

	cond      *array.Array
	uncond    *array.Array
	control   *array.Array // [F, c, H, W] or nil
	refLatent *array.Array // [1, C, h, w] or nil
}

// accumulator is one rank's per-timestep prediction sum and per-frame
// window counter. It is created fresh each timestep and merged across
// ranks before division; counter[f] must end up > 0 for every frame.
type accumulator struct {
	pred    *array.Array // [halves, C, F, h, w]
	counter []float32    // per frame
}

func (st *stepState) halves() int {
	if st.guidance {
		return 2
	}
	return 1
}

// run executes one full denoising timestep: reference write pass, local
// window shard, cross-rank merge, guidance extrapolation, scheduler step,
// broadcast.
func (st *stepState) run(ctx context.Context, latents *array.Array, t, step, totalSteps int) (*array.Array, error) {
	windows, err := window.Schedule(st.opts.Policy, step, totalSteps,
		st.opts.NumFrames, st.opts.WindowSize, st.opts.Stride, st.opts.Overlap)
	if err != nil {
		return nil, err
	}
	batches := shard(partition(windows, st.opts.ContextBatch), st.collective.Rank(), st.collective.WorldSize())
	st.log.Trace("windows scheduled", "timestep", t, "windows", len(windows), "local_batches", len(batches))

	var bank *refattn.Bank
	if st.pipeline.Reference != nil && st.refLatent != nil {
		ref, err := guidance.RepeatReference(st.refLatent, st.opts.ContextBatch, st.guidance)
		if err != nil {
			return nil, err
		}
		emb, err := guidance.Embeddings(st.uncond, st.cond, st.opts.ContextBatch, st.guidance)
		if err != nil {
			return nil, err
		}
		bank, err = st.pipeline.Reference.Encode(ref, t, emb)
		if err != nil {
			return nil, fmt.Errorf("pipeline: reference write pass: %w", err)
		}
		defer bank.Reset()
	}

	acc, err := st.accumulate(latents, t, batches, bank)
	if err != nil {
		return nil, err
	}

	preds, counters, err := st.collective.Gather(ctx, acc.pred, acc.counter)
	if err != nil {
		return nil, err
	}
	if err := st.collective.Barrier(ctx); err != nil {
		return nil, err
	}

	var stepped *array.Array
	if st.collective.Rank() == dist.Coordinator {
		final, err := st.merge(preds, counters)
		if err != nil {
			return nil, err
		}
		stepped, err = st.pipeline.Scheduler.Step(final, latents, t)
		if err != nil {
			return nil, err
		}
	}

	next, err := st.collective.Broadcast(ctx, stepped)
	if err != nil {
		return nil, err
	}
	if err := st.collective.Barrier(ctx); err != nil {
		return nil, err
	}
	return next, nil
}

// accumulate runs the noise predictor over this rank's window batches and
// scatter-adds per-frame predictions into a fresh accumulator.
func (st *stepState) accumulate(latents *array.Array, t int, batches [][][]int, bank *refattn.Bank) (*accumulator, error) {
	shape := latents.Shape()
	acc := &accumulator{
		pred:    array.Zeros(st.halves(), shape[1], shape[2], shape[3], shape[4]),
		counter: make([]float32, shape[2]),
	}

	for _, batch := range batches {
		latIn, err := guidance.WindowLatents(latents, batch, st.guidance)
		if err != nil {
			return nil, err
		}
		latIn = st.pipeline.Scheduler.ScaleModelInput(latIn, t)

		var ctl *array.Array
		if st.control != nil {
			ctl, err = guidance.WindowControl(st.control, batch, st.guidance)
			if err != nil {
				return nil, err
			}
		}

		emb, err := guidance.Embeddings(st.uncond, st.cond, len(batch), st.guidance)
		if err != nil {
			return nil, err
		}

		// Attention state is per forward pass: borrow for exactly one
		// predictor call, release before the next batch.
		var handle *refattn.Handle
		if bank != nil {
			handle, err = bank.Borrow()
			if err != nil {
				return nil, err
			}
		}
		pred, err := st.pipeline.Predictor.Predict(latIn, t, emb, ctl, handle)
		if handle != nil {
			handle.Release()
		}
		if err != nil {
			return nil, fmt.Errorf("pipeline: predict at timestep %d: %w", t, err)
		}
		if !array.SameShape(pred, latIn) {
			return nil, &array.ShapeError{Op: "prediction", Got: pred.Shape(), Want: fmt.Sprintf("%v", latIn.Shape())}
		}

		if err := scatterWindows(acc, pred, batch, st.halves()); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// scatterWindows splits the batched prediction back into per-window,
// per-half slices and adds each into the accumulator at the window's frame
// indices. pred rows are laid out [w0..wn-1] per half, halves contiguous,
// unconditional first.
func scatterWindows(acc *accumulator, pred *array.Array, batch [][]int, halves int) error {
	shape := pred.Shape()
	n := len(batch)
	if shape[0] != n*halves {
		return &array.ShapeError{Op: "scatter windows", Got: shape, Want: fmt.Sprintf("leading dim %d", n*halves)}
	}
	c, wlen, h, w := shape[1], shape[2], shape[3], shape[4]
	rowSize := c * wlen * h * w
	src := pred.Data()

	for wi, win := range batch {
		stacked := make([]float32, halves*rowSize)
		for half := 0; half < halves; half++ {
			row := half*n + wi
			copy(stacked[half*rowSize:], src[row*rowSize:(row+1)*rowSize])
		}
		slice := array.New(stacked, halves, c, wlen, h, w)
		if err := array.ScatterAddFrames(acc.pred, slice, win); err != nil {
			return err
		}
		for _, f := range win {
			acc.counter[f]++
		}
	}
	return nil
}

// merge sums all ranks' accumulators, divides by the per-frame counter and
// applies guidance extrapolation, yielding the final noise estimate for the
// scheduler step. Runs on the coordinator only.
func (st *stepState) merge(preds []*array.Array, counters [][]float32) (*array.Array, error) {
	sum := preds[0].Clone()
	counter := append([]float32(nil), counters[0]...)
	for rank := 1; rank < len(preds); rank++ {
		var err error
		sum, err = array.Add(sum, preds[rank])
		if err != nil {
			return nil, err
		}
		for f, v := range counters[rank] {
			counter[f] += v
		}
	}

	for f, v := range counter {
		if v <= 0 {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("frame %d was not covered by any context window", f)}
		}
	}
	divideFrames(sum, counter)

	if !st.guidance {
		shape := sum.Shape()
		return sum.Reshape(1, shape[1], shape[2], shape[3], shape[4])
	}

	uncond, cond, err := array.Split2(sum)
	if err != nil {
		return nil, err
	}
	delta, err := array.Sub(cond, uncond)
	if err != nil {
		return nil, err
	}
	return array.Add(uncond, array.MulScalar(delta, float32(st.opts.GuidanceScale)))
}

// divideFrames divides every frame plane of pred by its window count.
func divideFrames(pred *array.Array, counter []float32) {
	shape := pred.Shape()
	b, c, f, h, w := shape[0], shape[1], shape[2], shape[3], shape[4]
	plane := h * w
	data := pred.Data()
	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			for fi := 0; fi < f; fi++ {
				o := ((bi*c+ci)*f + fi) * plane
				inv := 1 / counter[fi]
				for k := o; k < o+plane; k++ {
					data[k] *= inv
				}
			}
		}
	}
}

// partition splits windows into batches of at most size windows each. A
// batch is stacked into one model invocation, so all its windows must have
// the same length; a truncated tail window starts its own batch.
func partition(windows [][]int, size int) [][][]int {
	var batches [][][]int
	start := 0
	for start < len(windows) {
		end := start + 1
		for end < len(windows) && end-start < size && len(windows[end]) == len(windows[start]) {
			end++
		}
		batches = append(batches, windows[start:end])
		start = end
	}
	return batches
}

// shard picks this rank's batches round-robin: batches[rank::worldSize].
func shard(batches [][][]int, rank, worldSize int) [][][]int {
	var own [][][]int
	for i := rank; i < len(batches); i += worldSize {
		own = append(own, batches[i])
	}
	return own
}
