package types

import "context"

// Transcript 一次识别的最终结果
type Transcript struct {
	Text     string
	Language string
}

// StreamingResult 流式识别结果, Err 非空表示流已不可用
type StreamingResult struct {
	Text     string
	Language string
	IsFinal  bool
	Err      error
}

// BatchProvider 整段音频一次性识别, 输入为 8kHz 16bit 单声道 PCM
type BatchProvider interface {
	Name() string
	Transcribe(ctx context.Context, pcm []byte, language string) (Transcript, error)
}

// Stream 一条双向识别流
type Stream interface {
	Send(chunk []byte) error
	// Results 流结束时关闭
	Results() <-chan StreamingResult
	Close() error
}

// StreamingProvider 打开流式识别会话
type StreamingProvider interface {
	Name() string
	Open(ctx context.Context, language string) (Stream, error)
}
