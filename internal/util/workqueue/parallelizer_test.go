package workqueue

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParallelizeUntilProcessesAllPieces(t *testing.T) {
	var sum int64
	ParallelizeUntil(context.Background(), 4, 100, func(ctx context.Context, piece int) {
		atomic.AddInt64(&sum, int64(piece))
	})
	assert.Equal(t, int64(4950), sum)
}

func TestParallelizeUntilSurvivesPanic(t *testing.T) {
	var done int64
	ParallelizeUntil(context.Background(), 2, 10, func(ctx context.Context, piece int) {
		if piece == 3 {
			panic("boom")
		}
		atomic.AddInt64(&done, 1)
	})
	assert.Equal(t, int64(9), done)
}

func TestParallelizeUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var done int64
	ParallelizeUntil(ctx, 2, 10, func(ctx context.Context, piece int) {
		atomic.AddInt64(&done, 1)
	})
	assert.Equal(t, int64(0), done)
}

func TestParallelizeUntilNoPieces(t *testing.T) {
	ParallelizeUntil(context.Background(), 4, 0, func(ctx context.Context, piece int) {
		t.Fatal("should not be called")
	})
}
