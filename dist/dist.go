// Package dist provides the collective operations the denoising loop uses
// to run across multiple worker processes: gather accumulators to the
// coordinator, broadcast the stepped latent back, and barrier between the
// two. Workers share no memory; these collectives are the only
// communication. A rank that never reaches a collective stalls every other
// rank indefinitely; there is no recovery path from a half-completed
// collective.
package dist

import (
	"context"
	"fmt"

	"github.com/vidiff/vidiff/array"
)

// Coordinator is the rank that owns the authoritative latent between
// gather and broadcast.
const Coordinator = 0

// Collective is the message-passing surface of one rank. Implementations:
// Single (one process), Loopback (N in-process ranks, for tests), and the
// TCP coordinator/worker pair.
type Collective interface {
	Rank() int
	WorldSize() int

	// Gather delivers this rank's per-timestep accumulator (prediction sum
	// and per-frame counter) to the coordinator. On the coordinator it
	// returns every rank's contribution indexed by rank; on workers it
	// returns nil slices.
	Gather(ctx context.Context, pred *array.Array, counter []float32) ([]*array.Array, [][]float32, error)

	// Broadcast distributes the coordinator's latent to all ranks and
	// returns the latent each rank should continue with.
	Broadcast(ctx context.Context, latent *array.Array) (*array.Array, error)

	// Barrier blocks until every rank has reached it.
	Barrier(ctx context.Context) error

	Close() error
}

// SyncError is a failed collective. It is fatal for the whole run: after a
// failed collective the latent is not in a consistent cross-rank state, so
// there is no partial-result recovery.
type SyncError struct {
	Rank int
	Op   string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("dist: rank %d: %s: %v", e.Rank, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Single is the degenerate one-rank collective. Every operation is a local
// no-op reduction over this rank's own shard.
type Single struct{}

func (Single) Rank() int      { return Coordinator }
func (Single) WorldSize() int { return 1 }

func (Single) Gather(ctx context.Context, pred *array.Array, counter []float32) ([]*array.Array, [][]float32, error) {
	return []*array.Array{pred}, [][]float32{counter}, nil
}

func (Single) Broadcast(ctx context.Context, latent *array.Array) (*array.Array, error) {
	return latent, nil
}

func (Single) Barrier(ctx context.Context) error { return nil }

func (Single) Close() error { return nil }

var _ Collective = Single{}
