package asr

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"outbound-call-server-golang/constants"
	"outbound-call-server-golang/internal/domain/asr/types"
	"outbound-call-server-golang/internal/domain/fallback"
	log "outbound-call-server-golang/logger"
)

const (
	DefaultMinBufferMs   = 800
	DefaultStreamBackoff = 500 * time.Millisecond
)

var ErrRecognizerClosed = errors.New("asr: recognizer closed")

// Sink 识别结果的接收方, 两种模式共用
type Sink interface {
	OnTranscript(text, language string)
	OnError(err error)
}

// Recognizer 语音识别能力, 模式在构造时确定
type Recognizer interface {
	Mode() string
	// Write 写入一帧 PCM, 不会 panic 也不返回错误, 错误经 Sink.OnError 上报
	Write(chunk []byte)
	// OnSilence VAD 判定一句话结束. 批量模式在此识别, 流式模式忽略
	OnSilence(ctx context.Context)
	SetLanguage(language string)
	Close()
}

type Config struct {
	Mode          string
	MinBufferMs   int
	StreamBackoff time.Duration
}

// Gateway 持有各模式的 provider 链, 为每通电话创建识别器
type Gateway struct {
	config    Config
	batch     *fallback.Chain[types.BatchProvider]
	streaming *fallback.Chain[types.StreamingProvider]
}

func NewGateway(config Config, batch *fallback.Chain[types.BatchProvider], streaming *fallback.Chain[types.StreamingProvider]) (*Gateway, error) {
	if config.Mode == "" {
		config.Mode = constants.AsrModeBatch
	}
	if config.MinBufferMs <= 0 {
		config.MinBufferMs = DefaultMinBufferMs
	}
	if config.StreamBackoff <= 0 {
		config.StreamBackoff = DefaultStreamBackoff
	}
	switch config.Mode {
	case constants.AsrModeBatch:
		if batch == nil {
			return nil, fmt.Errorf("asr batch mode: %w", fallback.ErrNoProviders)
		}
	case constants.AsrModeStreaming:
		if streaming == nil {
			return nil, fmt.Errorf("asr streaming mode: %w", fallback.ErrNoProviders)
		}
	default:
		return nil, fmt.Errorf("不支持的ASR模式: %s", config.Mode)
	}
	return &Gateway{config: config, batch: batch, streaming: streaming}, nil
}

func (g *Gateway) Mode() string { return g.config.Mode }

// NewRecognizer 为一通电话创建识别器, ctx 结束时识别器停止工作
func (g *Gateway) NewRecognizer(ctx context.Context, language string, sink Sink) Recognizer {
	if g.config.Mode == constants.AsrModeStreaming {
		r := NewStreamingRecognizer(g.streaming, g.config.StreamBackoff, language, sink)
		r.Start(ctx)
		return r
	}
	return NewBatchRecognizer(g.batch, constants.BytesForDuration(g.config.MinBufferMs), language, sink)
}

// BatchRecognizer 累积音频, 静音时整段识别
type BatchRecognizer struct {
	chain    *fallback.Chain[types.BatchProvider]
	sink     Sink
	minBytes int

	mu       sync.Mutex
	buf      []byte
	language string
	closed   bool
}

func NewBatchRecognizer(chain *fallback.Chain[types.BatchProvider], minBytes int, language string, sink Sink) *BatchRecognizer {
	return &BatchRecognizer{
		chain:    chain,
		sink:     sink,
		minBytes: minBytes,
		language: language,
	}
}

func (r *BatchRecognizer) Mode() string { return constants.AsrModeBatch }

func (r *BatchRecognizer) Write(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.buf = append(r.buf, chunk...)
}

// Buffered 当前缓冲的字节数
func (r *BatchRecognizer) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

func (r *BatchRecognizer) SetLanguage(language string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.language = language
}

// OnSilence 取出缓冲并识别; 缓冲不足 minBytes 视为噪音丢弃. 无论结果如何缓冲都会清空
func (r *BatchRecognizer) OnSilence(ctx context.Context) {
	r.mu.Lock()
	data := r.buf
	r.buf = nil
	language := r.language
	closed := r.closed
	r.mu.Unlock()

	if closed || len(data) <= r.minBytes {
		return
	}

	res := fallback.Run(ctx, r.chain, func(ctx context.Context, p types.BatchProvider) (types.Transcript, error) {
		return p.Transcribe(ctx, data, language)
	}, nil)
	if res.Fallback {
		r.sink.OnError(res.Err)
		return
	}
	if res.Value.Text == "" {
		return
	}
	lang := res.Value.Language
	if lang == "" {
		lang = language
	}
	r.sink.OnTranscript(res.Value.Text, lang)
}

func (r *BatchRecognizer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.buf = nil
}

// StreamingRecognizer 音频直接写入识别流; 流出错后按固定退避重建
type StreamingRecognizer struct {
	chain   *fallback.Chain[types.StreamingProvider]
	sink    Sink
	backoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stream   types.Stream
	language string
	closed   bool
}

func NewStreamingRecognizer(chain *fallback.Chain[types.StreamingProvider], backoff time.Duration, language string, sink Sink) *StreamingRecognizer {
	return &StreamingRecognizer{
		chain:    chain,
		sink:     sink,
		backoff:  backoff,
		language: language,
	}
}

func (r *StreamingRecognizer) Mode() string { return constants.AsrModeStreaming }

// Start 打开第一条识别流, 失败时在后台按退避重试
func (r *StreamingRecognizer) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()
	r.open()
}

func (r *StreamingRecognizer) open() {
	r.mu.Lock()
	if r.closed || r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	ctx, language := r.ctx, r.language
	r.mu.Unlock()

	res := fallback.RunWithDiscard(ctx, r.chain, func(ctx context.Context, p types.StreamingProvider) (types.Stream, error) {
		return p.Open(ctx, language)
	}, nil, closeStream)
	if res.Fallback || res.Value == nil {
		err := res.Err
		if err == nil {
			err = fallback.ErrNoProviders
		}
		r.sink.OnError(fmt.Errorf("打开识别流失败: %w", err))
		r.scheduleReopen()
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = res.Value.Close()
		return
	}
	r.stream = res.Value
	r.mu.Unlock()

	log.Debugf("asr 识别流已建立, provider: %s", res.Provider)
	go r.recvResult(res.Value)
}

// closeStream 关闭超时后才建立的识别流
func closeStream(s types.Stream) {
	if s != nil {
		_ = s.Close()
	}
}

func (r *StreamingRecognizer) scheduleReopen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	time.AfterFunc(r.backoff, func() {
		defer func() {
			if err := recover(); err != nil {
				log.Errorf("asr reopen panic: %v, stack: %s", err, string(debug.Stack()))
			}
		}()
		r.open()
	})
}

func (r *StreamingRecognizer) recvResult(s types.Stream) {
	defer func() {
		if err := recover(); err != nil {
			log.Errorf("asr recvResult panic: %v, stack: %s", err, string(debug.Stack()))
		}
	}()
	for result := range s.Results() {
		if result.Err != nil {
			r.fail(s, result.Err)
			return
		}
		if !result.IsFinal || result.Text == "" {
			continue
		}
		if !r.isCurrent(s) {
			return
		}
		lang := result.Language
		if lang == "" {
			lang = r.currentLanguage()
		}
		r.sink.OnTranscript(result.Text, lang)
	}
	// 服务端正常结束了本条流, 重建以继续识别
	r.fail(s, nil)
}

func (r *StreamingRecognizer) isCurrent(s types.Stream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream == s && !r.closed
}

func (r *StreamingRecognizer) currentLanguage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.language
}

// fail 废弃一条流并安排重建, 同一条流只处理一次
func (r *StreamingRecognizer) fail(s types.Stream, err error) {
	r.mu.Lock()
	if r.stream != s || r.closed {
		r.mu.Unlock()
		return
	}
	r.stream = nil
	r.mu.Unlock()

	_ = s.Close()
	if err != nil {
		r.sink.OnError(err)
	}
	r.scheduleReopen()
}

func (r *StreamingRecognizer) Write(chunk []byte) {
	defer func() {
		if err := recover(); err != nil {
			log.Errorf("asr write panic: %v, stack: %s", err, string(debug.Stack()))
		}
	}()
	r.mu.Lock()
	s := r.stream
	closed := r.closed
	r.mu.Unlock()
	if closed || s == nil {
		// 重建期间的音频直接丢弃
		return
	}
	if err := s.Send(chunk); err != nil {
		r.fail(s, fmt.Errorf("发送音频失败: %w", err))
	}
}

func (r *StreamingRecognizer) OnSilence(ctx context.Context) {}

// SetLanguage 新语言在下一次建流时生效
func (r *StreamingRecognizer) SetLanguage(language string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.language = language
}

func (r *StreamingRecognizer) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	s := r.stream
	r.stream = nil
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s != nil {
		_ = s.Close()
	}
}
