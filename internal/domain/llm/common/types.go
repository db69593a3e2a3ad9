package common

import (
	"context"

	"outbound-call-server-golang/internal/data/model"
)

// Request 一次补全请求; Turns 按时间顺序, 最后一条通常是用户输入
type Request struct {
	SystemPrompt string
	Turns        []model.Turn
	// JSON 要求模型只输出 JSON 对象
	JSON      bool
	MaxTokens int
}

// LLMProvider 大语言模型提供者, 返回模型的原始文本输出
type LLMProvider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}
