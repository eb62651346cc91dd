// Package bridge decouples synchronous FUSE callbacks from the
// daemon's HTTP latency: a bounded queue and a single dispatcher
// goroutine (spawning one worker goroutine per accepted request) fail
// a call at once when the queue is full, and a wedged daemon times a
// FUSE call out instead of hanging it forever. The queue bounds only
// requests waiting for dispatch; the number of dispatched requests
// running at once is not capped.
package bridge

import (
	"context"
	"time"

	"github.com/rqbitfuse/rqbitfuse/errs"
)

// ReadFunc performs an actual ranged read against the daemon/stream layer.
type ReadFunc func(ctx context.Context, torrentID string, fileIndex int, offset int64, buf []byte) (int, error)

// PieceFunc checks piece availability against the daemon.
type PieceFunc func(ctx context.Context, torrentID string, piece int) (bool, error)

// ForgetFunc releases any daemon-side resources held for a torrent.
type ForgetFunc func(ctx context.Context, torrentID string) error

type requestKind int

const (
	kindRead requestKind = iota
	kindPiece
	kindForget
)

type result struct {
	n    int
	have bool
	err  error
}

type request struct {
	kind requestKind
	ctx  context.Context

	torrentID string
	fileIndex int
	offset    int64
	buf       []byte
	piece     int

	respCh chan result
}

// Worker is the bounded dispatcher. Exactly one dispatcher goroutine
// owns the queue; it spawns a short-lived goroutine per accepted
// request so independent reads proceed concurrently.
type Worker struct {
	queue    chan request
	stopChan chan struct{}

	opTimeout time.Duration
	grace     time.Duration

	readFn   ReadFunc
	pieceFn  PieceFunc
	forgetFn ForgetFunc
}

// Config configures a Worker.
type Config struct {
	QueueCapacity int
	OpTimeout     time.Duration
	// Grace is added on top of OpTimeout while waiting for the
	// dispatched goroutine to reply, distinguishing "the operation
	// itself timed out" from "the worker seems to have wedged."
	Grace time.Duration
}

// New creates a Worker and starts its dispatcher goroutine.
func New(cfg Config, readFn ReadFunc, pieceFn PieceFunc, forgetFn ForgetFunc) *Worker {
	w := &Worker{
		queue:     make(chan request, cfg.QueueCapacity),
		stopChan:  make(chan struct{}),
		opTimeout: cfg.OpTimeout,
		grace:     cfg.Grace,
		readFn:    readFn,
		pieceFn:   pieceFn,
		forgetFn:  forgetFn,
	}
	go w.dispatch()
	return w
}

// Shutdown stops accepting new work. In-flight requests run to completion.
func (w *Worker) Shutdown() {
	close(w.stopChan)
}

// dispatch is the single goroutine owning the queue. It prefers
// shutdown over new work (a biased select, checked non-blockingly
// before the blocking receive) and spawns one goroutine per accepted
// request so slow requests never hold up others behind them.
func (w *Worker) dispatch() {
	for {
		select {
		case <-w.stopChan:
			return
		default:
		}

		select {
		case <-w.stopChan:
			return
		case req := <-w.queue:
			go w.handle(req)
		}
	}
}

func (w *Worker) handle(req request) {
	var res result
	switch req.kind {
	case kindRead:
		res.n, res.err = w.readFn(req.ctx, req.torrentID, req.fileIndex, req.offset, req.buf)
	case kindPiece:
		res.have, res.err = w.pieceFn(req.ctx, req.torrentID, req.piece)
	case kindForget:
		res.err = w.forgetFn(req.ctx, req.torrentID)
	}
	select {
	case req.respCh <- res:
	default:
	}
}

// submit enqueues req and waits for its reply, bounded by opTimeout
// plus grace. A full queue fails fast with IOError rather than
// blocking the calling FUSE thread.
func (w *Worker) submit(ctx context.Context, req request) (result, error) {
	opCtx, cancel := context.WithTimeout(ctx, w.opTimeout)
	defer cancel()
	req.ctx = opCtx
	req.respCh = make(chan result, 1)

	select {
	case w.queue <- req:
	default:
		return result{}, errs.NewIOError("request queue full")
	}

	timer := time.NewTimer(w.opTimeout + w.grace)
	defer timer.Stop()

	select {
	case res := <-req.respCh:
		return res, res.err
	case <-timer.C:
		return result{}, errs.NewTimedOut("worker did not respond in time")
	case <-w.stopChan:
		return result{}, errs.NewIOError("worker shutting down")
	}
}

// ReadFile dispatches a ranged read through the bounded worker pool.
func (w *Worker) ReadFile(ctx context.Context, torrentID string, fileIndex int, offset int64, buf []byte) (int, error) {
	res, err := w.submit(ctx, request{kind: kindRead, torrentID: torrentID, fileIndex: fileIndex, offset: offset, buf: buf})
	return res.n, err
}

// CheckPieceAvailable dispatches a piece-availability check.
func (w *Worker) CheckPieceAvailable(ctx context.Context, torrentID string, piece int) (bool, error) {
	res, err := w.submit(ctx, request{kind: kindPiece, torrentID: torrentID, piece: piece})
	return res.have, err
}

// ForgetTorrent dispatches cleanup of daemon-side resources for a
// torrent, with the same timeout+grace budget as the other operations.
func (w *Worker) ForgetTorrent(ctx context.Context, torrentID string) error {
	_, err := w.submit(ctx, request{kind: kindForget, torrentID: torrentID})
	return err
}
