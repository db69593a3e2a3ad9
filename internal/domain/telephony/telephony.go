package telephony

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTransferUnsupported = errors.New("telephony: transfer not supported")
	ErrNoTransferNumber    = errors.New("telephony: no transfer number configured")
)

// DialRequest 外呼参数; SessionID 用于把媒体流和状态回调路由回会话
type DialRequest struct {
	CallerID  string
	To        string
	SessionID string
}

// Provider 电话能力
type Provider interface {
	Name() string
	// Dial 发起外呼, 返回运营商侧的通话 id
	Dial(ctx context.Context, req DialRequest) (string, error)
	Hangup(ctx context.Context, callID string) error
}

// Transferer 可选能力: 把进行中的通话转接到人工号码
type Transferer interface {
	Transfer(ctx context.Context, callID, to string) error
}

// Transfer 在 provider 支持且配置了号码时转接
func Transfer(ctx context.Context, p Provider, callID, to string) error {
	if to == "" {
		return ErrNoTransferNumber
	}
	t, ok := p.(Transferer)
	if !ok {
		return fmt.Errorf("%s: %w", p.Name(), ErrTransferUnsupported)
	}
	return t.Transfer(ctx, callID, to)
}
