package workqueue

import (
	"context"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

type DoWorkPieceFunc func(ctx context.Context, piece int)

// ParallelizeUntil 用最多 workers 个协程处理 pieces 份相互独立的工作,
// ctx 取消后不再领取新的工作. 单个 piece panic 只影响该 piece.
func ParallelizeUntil(ctx context.Context, workers, pieces int, doWorkPiece DoWorkPieceFunc) {
	if pieces <= 0 {
		return
	}
	if workers <= 0 {
		workers = 1
	}
	if pieces < workers {
		workers = pieces
	}

	toProcess := make(chan int, pieces)
	for i := 0; i < pieces; i++ {
		toProcess <- i
	}
	close(toProcess)

	wg := sync.WaitGroup{}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for piece := range toProcess {
				select {
				case <-ctx.Done():
					return
				default:
					runPiece(ctx, piece, doWorkPiece)
				}
			}
		}()
	}
	wg.Wait()
}

func runPiece(ctx context.Context, piece int, doWorkPiece DoWorkPieceFunc) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("work piece panic",
				zap.Int("piece", piece),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	doWorkPiece(ctx, piece)
}
