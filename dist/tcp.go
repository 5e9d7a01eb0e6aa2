package dist

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vidiff/vidiff/array"
	"github.com/vidiff/vidiff/envconfig"
	"github.com/vidiff/vidiff/logging"
)

// TCP is a collective over plain TCP. Rank 0 is the coordinator: it listens,
// accepts one connection per worker rank, and serves the fan-in/fan-out side
// of every collective. Workers dial in and speak the lockstep protocol over
// their single connection.
type TCP struct {
	rank      int
	worldSize int
	session   string
	log       *logging.Logger

	listener net.Listener
	conns    map[int]net.Conn // coordinator: worker rank -> conn
	conn     net.Conn         // worker: conn to coordinator
}

var _ Collective = (*TCP)(nil)

// Listen opens the coordinator's listen socket on the configured host.
func Listen() (net.Listener, error) {
	return net.Listen("tcp", envconfig.Host)
}

// NewCoordinator accepts workers on listener and blocks until worldSize-1
// of them have completed the hello handshake. The caller owns choosing the
// listen address (typically envconfig.Host); the listener is closed with
// the collective. The session id minted here rides on every subsequent
// message so a stray connection from another run is rejected instead of
// corrupting a collective.
func NewCoordinator(ctx context.Context, listener net.Listener, worldSize int, log *logging.Logger) (*TCP, error) {
	if worldSize < 2 {
		listener.Close()
		return nil, fmt.Errorf("dist: coordinator needs world size >= 2, got %d", worldSize)
	}

	t := &TCP{
		rank:      Coordinator,
		worldSize: worldSize,
		session:   uuid.NewString(),
		log:       log,
		listener:  listener,
		conns:     make(map[int]net.Conn, worldSize-1),
	}
	log.Info("waiting for workers", "addr", listener.Addr(), "world_size", worldSize)

	deadline := time.Now().Add(envconfig.SyncTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for len(t.conns) < worldSize-1 {
		if tl, ok := listener.(*net.TCPListener); ok {
			tl.SetDeadline(deadline)
		}
		conn, err := listener.Accept()
		if err != nil {
			t.Close()
			return nil, &SyncError{Rank: Coordinator, Op: "accept", Err: err}
		}
		if err := t.admit(conn); err != nil {
			log.Warn("rejected connection", "remote", conn.RemoteAddr(), "error", err)
			writeMessage(conn, header{Type: typeError, SessionID: t.session, Rank: Coordinator}, []byte(err.Error()))
			conn.Close()
		}
	}
	log.Debug("all workers connected", "session", t.session)
	return t, nil
}

func (t *TCP) admit(conn net.Conn) error {
	conn.SetReadDeadline(time.Now().Add(envconfig.SyncTimeout))
	h, _, err := readMessage(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if h.Type != typeHello {
		return fmt.Errorf("expected hello, got %s", h.Type)
	}
	rank := int(h.Rank)
	if rank < 1 || rank >= t.worldSize {
		return fmt.Errorf("rank %d outside world size %d", rank, t.worldSize)
	}
	if _, taken := t.conns[rank]; taken {
		return fmt.Errorf("rank %d already connected", rank)
	}
	if err := writeMessage(conn, header{Type: typeHelloAck, SessionID: t.session, Rank: Coordinator}, nil); err != nil {
		return fmt.Errorf("hello ack: %w", err)
	}
	t.conns[rank] = conn
	t.log.Debug("worker connected", "rank", rank, "remote", conn.RemoteAddr())
	return nil
}

// NewWorker dials the coordinator and performs the hello handshake,
// retrying until the coordinator is listening or the timeout elapses.
func NewWorker(ctx context.Context, addr string, rank, worldSize int, log *logging.Logger) (*TCP, error) {
	if rank < 1 || rank >= worldSize {
		return nil, fmt.Errorf("dist: worker rank %d outside world size %d", rank, worldSize)
	}

	var conn net.Conn
	var err error
	deadline := time.Now().Add(envconfig.SyncTimeout)
	for {
		conn, err = (&net.Dialer{Timeout: time.Second}).DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return nil, &SyncError{Rank: rank, Op: "dial", Err: err}
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := writeMessage(conn, header{Type: typeHello, SessionID: uuid.Nil.String(), Rank: uint32(rank)}, nil); err != nil {
		conn.Close()
		return nil, &SyncError{Rank: rank, Op: "hello", Err: err}
	}
	conn.SetReadDeadline(time.Now().Add(envconfig.SyncTimeout))
	h, _, err := expect(conn, typeHelloAck, "")
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, &SyncError{Rank: rank, Op: "hello", Err: err}
	}

	log.Debug("joined session", "session", h.SessionID, "rank", rank)
	return &TCP{
		rank:      rank,
		worldSize: worldSize,
		session:   h.SessionID,
		log:       log,
		conn:      conn,
	}, nil
}

func (t *TCP) Rank() int      { return t.rank }
func (t *TCP) WorldSize() int { return t.worldSize }

func (t *TCP) Gather(ctx context.Context, pred *array.Array, counter []float32) ([]*array.Array, [][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, &SyncError{Rank: t.rank, Op: "gather", Err: err}
	}

	if t.rank != Coordinator {
		body := append(encodeTensor(pred), encodeFloats(counter)...)
		if err := writeMessage(t.conn, header{Type: typeGather, SessionID: t.session, Rank: uint32(t.rank)}, body); err != nil {
			return nil, nil, &SyncError{Rank: t.rank, Op: "gather", Err: err}
		}
		return nil, nil, nil
	}

	preds := make([]*array.Array, t.worldSize)
	counters := make([][]float32, t.worldSize)
	preds[Coordinator] = pred
	counters[Coordinator] = counter
	for _, rank := range t.workerRanks() {
		h, body, err := expect(t.conns[rank], typeGather, t.session)
		if err != nil {
			return nil, nil, &SyncError{Rank: t.rank, Op: "gather", Err: err}
		}
		if int(h.Rank) != rank {
			return nil, nil, &SyncError{Rank: t.rank, Op: "gather", Err: fmt.Errorf("message from rank %d on rank %d connection", h.Rank, rank)}
		}
		workerPred, workerCounter, err := decodeAccumulator(body)
		if err != nil {
			return nil, nil, &SyncError{Rank: t.rank, Op: "gather", Err: err}
		}
		preds[rank] = workerPred
		counters[rank] = workerCounter
	}
	return preds, counters, nil
}

func decodeAccumulator(body []byte) (*array.Array, []float32, error) {
	if len(body) < 4 {
		return nil, nil, fmt.Errorf("accumulator payload truncated")
	}
	pred, consumed, err := decodeTensor(body)
	if err != nil {
		return nil, nil, err
	}
	counter, _, err := decodeFloats(body[consumed:])
	if err != nil {
		return nil, nil, err
	}
	return pred, counter, nil
}

func (t *TCP) Broadcast(ctx context.Context, latent *array.Array) (*array.Array, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SyncError{Rank: t.rank, Op: "broadcast", Err: err}
	}

	if t.rank == Coordinator {
		body := encodeTensor(latent)
		for _, rank := range t.workerRanks() {
			if err := writeMessage(t.conns[rank], header{Type: typeBroadcast, SessionID: t.session, Rank: Coordinator}, body); err != nil {
				return nil, &SyncError{Rank: t.rank, Op: "broadcast", Err: err}
			}
		}
		return latent, nil
	}

	_, body, err := expect(t.conn, typeBroadcast, t.session)
	if err != nil {
		return nil, &SyncError{Rank: t.rank, Op: "broadcast", Err: err}
	}
	received, _, err := decodeTensor(body)
	if err != nil {
		return nil, &SyncError{Rank: t.rank, Op: "broadcast", Err: err}
	}
	return received, nil
}

func (t *TCP) Barrier(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &SyncError{Rank: t.rank, Op: "barrier", Err: err}
	}

	if t.rank != Coordinator {
		if err := writeMessage(t.conn, header{Type: typeBarrier, SessionID: t.session, Rank: uint32(t.rank)}, nil); err != nil {
			return &SyncError{Rank: t.rank, Op: "barrier", Err: err}
		}
		if _, _, err := expect(t.conn, typeBarrierRelease, t.session); err != nil {
			return &SyncError{Rank: t.rank, Op: "barrier", Err: err}
		}
		return nil
	}

	for _, rank := range t.workerRanks() {
		if _, _, err := expect(t.conns[rank], typeBarrier, t.session); err != nil {
			return &SyncError{Rank: t.rank, Op: "barrier", Err: err}
		}
	}
	for _, rank := range t.workerRanks() {
		if err := writeMessage(t.conns[rank], header{Type: typeBarrierRelease, SessionID: t.session, Rank: Coordinator}, nil); err != nil {
			return &SyncError{Rank: t.rank, Op: "barrier", Err: err}
		}
	}
	return nil
}

func (t *TCP) workerRanks() []int {
	ranks := make([]int, 0, len(t.conns))
	for rank := range t.conns {
		ranks = append(ranks, rank)
	}
	sort.Ints(ranks)
	return ranks
}

func (t *TCP) Close() error {
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for _, conn := range t.conns {
		conn.Close()
	}
	if t.conn != nil {
		t.conn.Close()
	}
	return err
}
