package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rqbitfuse/rqbitfuse/errs"
)

func newTestWorker(readFn ReadFunc) *Worker {
	if readFn == nil {
		readFn = func(ctx context.Context, torrentID string, fileIndex int, offset int64, buf []byte) (int, error) {
			return len(buf), nil
		}
	}
	w := New(Config{QueueCapacity: 4, OpTimeout: 200 * time.Millisecond, Grace: 50 * time.Millisecond},
		readFn,
		func(ctx context.Context, torrentID string, piece int) (bool, error) { return true, nil },
		func(ctx context.Context, torrentID string) error { return nil },
	)
	return w
}

func TestReadFileRoundTrips(t *testing.T) {
	w := newTestWorker(nil)
	defer w.Shutdown()

	n, err := w.ReadFile(context.Background(), "t1", 0, 0, make([]byte, 10))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestReadFileTimesOut(t *testing.T) {
	w := newTestWorker(func(ctx context.Context, torrentID string, fileIndex int, offset int64, buf []byte) (int, error) {
		<-ctx.Done()
		return 0, errs.NewTimedOut("slow")
	})
	defer w.Shutdown()

	_, err := w.ReadFile(context.Background(), "t1", 0, 0, make([]byte, 10))
	require.Error(t, err)
}

func TestCheckPieceAvailable(t *testing.T) {
	w := newTestWorker(nil)
	defer w.Shutdown()

	have, err := w.CheckPieceAvailable(context.Background(), "t1", 3)
	require.NoError(t, err)
	assert.True(t, have)
}

func TestForgetTorrent(t *testing.T) {
	w := newTestWorker(nil)
	defer w.Shutdown()

	require.NoError(t, w.ForgetTorrent(context.Background(), "t1"))
}

func TestQueueFullReturnsError(t *testing.T) {
	// No dispatcher goroutine is started, so nothing drains the queue:
	// the first read takes the single slot and the next finds it full.
	w := &Worker{
		queue:     make(chan request, 1),
		stopChan:  make(chan struct{}),
		opTimeout: time.Second,
		grace:     time.Second,
	}
	defer w.Shutdown()

	go w.ReadFile(context.Background(), "t1", 0, 0, nil)
	time.Sleep(20 * time.Millisecond)

	_, err := w.ReadFile(context.Background(), "t1", 0, 0, nil)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.IOError, e.Kind)
}
