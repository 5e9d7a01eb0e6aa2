package dist

import (
	"context"
	"sync"

	"github.com/vidiff/vidiff/array"
)

// Loopback runs worldSize ranks inside one process, one goroutine per rank,
// exchanging accumulators through channels instead of sockets. It exists so
// multi-rank sampling can be exercised without network setup; the collective
// semantics are identical to TCP.
type Loopback struct {
	rank  int
	state *loopbackState
}

type gatherMsg struct {
	rank    int
	pred    *array.Array
	counter []float32
}

type loopbackState struct {
	worldSize int
	gather    chan gatherMsg
	broadcast []chan *array.Array

	mu      sync.Mutex
	arrived int
	release chan struct{}
}

// NewLoopback returns one Collective per rank. All of them must be driven
// concurrently; a collective call blocks until every rank makes the matching
// call.
func NewLoopback(worldSize int) []Collective {
	state := &loopbackState{
		worldSize: worldSize,
		gather:    make(chan gatherMsg, worldSize),
		broadcast: make([]chan *array.Array, worldSize),
		release:   make(chan struct{}),
	}
	for i := range state.broadcast {
		state.broadcast[i] = make(chan *array.Array, 1)
	}

	ranks := make([]Collective, worldSize)
	for i := range ranks {
		ranks[i] = &Loopback{rank: i, state: state}
	}
	return ranks
}

func (l *Loopback) Rank() int      { return l.rank }
func (l *Loopback) WorldSize() int { return l.state.worldSize }

func (l *Loopback) Gather(ctx context.Context, pred *array.Array, counter []float32) ([]*array.Array, [][]float32, error) {
	if l.rank != Coordinator {
		msg := gatherMsg{rank: l.rank, pred: pred.Clone(), counter: append([]float32(nil), counter...)}
		select {
		case l.state.gather <- msg:
			return nil, nil, nil
		case <-ctx.Done():
			return nil, nil, &SyncError{Rank: l.rank, Op: "gather", Err: ctx.Err()}
		}
	}

	preds := make([]*array.Array, l.state.worldSize)
	counters := make([][]float32, l.state.worldSize)
	preds[Coordinator] = pred
	counters[Coordinator] = counter
	for i := 1; i < l.state.worldSize; i++ {
		select {
		case msg := <-l.state.gather:
			preds[msg.rank] = msg.pred
			counters[msg.rank] = msg.counter
		case <-ctx.Done():
			return nil, nil, &SyncError{Rank: l.rank, Op: "gather", Err: ctx.Err()}
		}
	}
	return preds, counters, nil
}

func (l *Loopback) Broadcast(ctx context.Context, latent *array.Array) (*array.Array, error) {
	if l.rank == Coordinator {
		for rank := 1; rank < l.state.worldSize; rank++ {
			select {
			case l.state.broadcast[rank] <- latent.Clone():
			case <-ctx.Done():
				return nil, &SyncError{Rank: l.rank, Op: "broadcast", Err: ctx.Err()}
			}
		}
		return latent, nil
	}

	select {
	case received := <-l.state.broadcast[l.rank]:
		return received, nil
	case <-ctx.Done():
		return nil, &SyncError{Rank: l.rank, Op: "broadcast", Err: ctx.Err()}
	}
}

// Barrier is a cyclic barrier: the last rank to arrive releases the
// generation and arms the next one.
func (l *Loopback) Barrier(ctx context.Context) error {
	s := l.state
	s.mu.Lock()
	s.arrived++
	if s.arrived == s.worldSize {
		s.arrived = 0
		close(s.release)
		s.release = make(chan struct{})
		s.mu.Unlock()
		return nil
	}
	release := s.release
	s.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return &SyncError{Rank: l.rank, Op: "barrier", Err: ctx.Err()}
	}
}

func (l *Loopback) Close() error { return nil }

var _ Collective = (*Loopback)(nil)
