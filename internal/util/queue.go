package util

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrQueueClosed = errors.New("queue closed")
var ErrQueueTimeout = errors.New("queue timeout")
var ErrQueueEmpty = errors.New("queue empty (non-blocking pop)")
var ErrQueueCtxDone = errors.New("queue ctx done")

// pushWait 队列满时 Push 最多等待的时间, 避免生产者永久阻塞
const pushWait = 5 * time.Second

// Queue is a generic, thread-safe FIFO based on a buffered chan.
// 底层 chan 从不关闭, 关闭状态通过 done 广播; 关闭后 Push 返回
// ErrQueueClosed, Pop 在取完剩余元素前仍可读
type Queue[T any] struct {
	mu     sync.RWMutex
	ch     chan T
	closed bool
	done   chan struct{}
}

// NewQueue creates a new Queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Push 入队, 队列满时最多等待 pushWait
func (q *Queue[T]) Push(val T) error {
	if q.isClosed() {
		return ErrQueueClosed
	}

	select {
	case q.ch <- val:
		return nil
	default:
	}

	timer := time.NewTimer(pushWait)
	defer timer.Stop()
	select {
	case q.ch <- val:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-timer.C:
		return ErrQueueTimeout
	}
}

// TryPush 非阻塞入队, 队列满时直接丢弃并返回 false
func (q *Queue[T]) TryPush(val T) bool {
	if q.isClosed() {
		return false
	}
	select {
	case q.ch <- val:
		return true
	default:
		return false
	}
}

// Pop tries to get an item from the queue.
// timeout=0: 阻塞直到有元素、队列关闭或 ctx 结束
// timeout<0: 非阻塞
// timeout>0: 最多等待 timeout
func (q *Queue[T]) Pop(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	if timeout < 0 {
		select {
		case v := <-q.ch:
			return v, nil
		default:
			if q.isClosed() {
				return zero, ErrQueueClosed
			}
			return zero, ErrQueueEmpty
		}
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case v := <-q.ch:
		return v, nil
	case <-q.done:
		// 关闭后优先取完剩余元素
		select {
		case v := <-q.ch:
			return v, nil
		default:
			return zero, ErrQueueClosed
		}
	case <-timeoutC:
		return zero, ErrQueueTimeout
	case <-ctx.Done():
		return zero, ErrQueueCtxDone
	}
}

// Len 当前排队数量
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

func (q *Queue[T]) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Close 永久关闭队列, 可重复调用
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}
