package fallback

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	log "outbound-call-server-golang/logger"
)

var ErrNoProviders = errors.New("fallback: no providers configured")

// SafeProvider 兜底结果对应的 provider 名称
const SafeProvider = "fallback"

// Provider 任意能力接口 (llm / asr / tts) 的公共部分
type Provider interface {
	Name() string
}

// Chain 按顺序排列的 provider, 第一个为主, 其余为备
type Chain[P Provider] struct {
	label     string
	providers []P
	timeout   time.Duration
}

// NewChain 构造 provider 链, 忽略空的 provider
func NewChain[P Provider](label string, timeout time.Duration, providers ...P) (*Chain[P], error) {
	c := &Chain[P]{label: label, timeout: timeout}
	for _, p := range providers {
		if any(p) == nil {
			continue
		}
		c.providers = append(c.providers, p)
	}
	if len(c.providers) == 0 {
		return nil, fmt.Errorf("%s: %w", label, ErrNoProviders)
	}
	return c, nil
}

func (c *Chain[P]) Label() string { return c.label }

func (c *Chain[P]) Len() int { return len(c.providers) }

func (c *Chain[P]) Timeout() time.Duration { return c.timeout }

// Result 一次带兜底调用的结果
type Result[T any] struct {
	Value    T
	Provider string
	// Fallback 为 true 表示所有 provider 都失败, Value 为 safe 默认值
	Fallback bool
	Err      error
}

// Run 依次尝试链上的 provider, 每次调用单独计时; 超时与 panic 都按失败处理.
// 全部失败时返回 safe() 的结果. 父 ctx 结束后不再尝试后续 provider.
func Run[P Provider, T any](ctx context.Context, c *Chain[P], fn func(ctx context.Context, p P) (T, error), safe func() T) Result[T] {
	return RunWithDiscard(ctx, c, fn, safe, nil)
}

// RunWithDiscard 同 Run. 超时后才成功返回的结果已无人使用, 交给 discard 释放,
// 用于识别流这类持有连接的结果
func RunWithDiscard[P Provider, T any](ctx context.Context, c *Chain[P], fn func(ctx context.Context, p P) (T, error), safe func() T, discard func(T)) Result[T] {
	var errs []error
	for i, p := range c.providers {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		v, err := attempt(ctx, c.timeout, p, fn, discard)
		if err == nil {
			if i > 0 {
				log.Infof("[%s] 备用 provider %s 调用成功", c.label, p.Name())
			}
			return Result[T]{Value: v, Provider: p.Name()}
		}
		log.Warnf("[%s] provider %s 调用失败: %v", c.label, p.Name(), err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}

	var zero T
	if safe != nil {
		zero = safe()
	}
	return Result[T]{Value: zero, Provider: SafeProvider, Fallback: true, Err: errors.Join(errs...)}
}

// attempt 在独立协程中调用 provider, 即使 provider 不响应 ctx 也能按时返回
func attempt[P Provider, T any](ctx context.Context, timeout time.Duration, p P, fn func(ctx context.Context, p P) (T, error), discard func(T)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		v   T
		err error
	}
	resultChan := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("provider %s panic: %v, stack: %s", p.Name(), r, string(debug.Stack()))
				var zero T
				resultChan <- result{zero, fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx, p)
		resultChan <- result{v, err}
	}()

	select {
	case r := <-resultChan:
		return r.v, r.err
	case <-ctx.Done():
		if discard != nil {
			name := p.Name()
			go func() {
				defer func() {
					if r := recover(); r != nil {
						log.Errorf("provider %s discard panic: %v, stack: %s", name, r, string(debug.Stack()))
					}
				}()
				// 迟到的成功结果已无人使用, 交给 discard 释放
				if r := <-resultChan; r.err == nil {
					log.Debugf("provider %s 超时后才返回, 释放迟到结果", name)
					discard(r.v)
				}
			}()
		}
		var zero T
		return zero, ctx.Err()
	}
}
