package funasr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"outbound-call-server-golang/constants"
	"outbound-call-server-golang/internal/domain/asr/types"
	log "outbound-call-server-golang/logger"
)

// FunasrConfig 配置结构体
type FunasrConfig struct {
	Host          string // FunASR 服务主机地址
	Port          string // FunASR 服务端口
	Mode          string // 识别模式, 电话场景使用 "2pass" 以获得逐句最终结果
	SampleRate    int
	ChunkSize     []int
	ChunkInterval int
	Hotwords      string
}

// DefaultConfig 默认配置
var DefaultConfig = FunasrConfig{
	Host:          "localhost",
	Port:          "10095",
	Mode:          "2pass",
	SampleRate:    constants.SampleRate,
	ChunkInterval: 10,
	ChunkSize:     []int{5, 10, 5},
}

// FunasrRequest FunASR WebSocket请求结构体
type FunasrRequest struct {
	Mode          string `json:"mode,omitempty"`
	ChunkSize     []int  `json:"chunk_size,omitempty"`
	ChunkInterval int    `json:"chunk_interval,omitempty"`
	AudioFs       int    `json:"audio_fs,omitempty"`
	WavName       string `json:"wav_name,omitempty"`
	WavFormat     string `json:"wav_format,omitempty"`
	IsSpeaking    bool   `json:"is_speaking"`
	Hotwords      string `json:"hotwords,omitempty"`
	Itn           bool   `json:"itn,omitempty"`
}

// FunasrResponse FunASR WebSocket响应结构体
type FunasrResponse struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	WavName string `json:"wav_name"`
	Mode    string `json:"mode"`
}

// Funasr 流式识别 provider, 每通电话独占一条连接
type Funasr struct {
	name   string
	config FunasrConfig
	dialer *websocket.Dialer
}

func NewFunasr(name string, config FunasrConfig) *Funasr {
	if config.Host == "" {
		config.Host = DefaultConfig.Host
	}
	if config.Port == "" {
		config.Port = DefaultConfig.Port
	}
	if config.Mode == "" {
		config.Mode = DefaultConfig.Mode
	}
	if config.SampleRate <= 0 {
		config.SampleRate = DefaultConfig.SampleRate
	}
	if config.ChunkInterval <= 0 {
		config.ChunkInterval = DefaultConfig.ChunkInterval
	}
	if len(config.ChunkSize) == 0 {
		config.ChunkSize = DefaultConfig.ChunkSize
	}
	return &Funasr{
		name:   name,
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (f *Funasr) Name() string { return f.name }

func (f *Funasr) url() string {
	return fmt.Sprintf("ws://%s:%s/", f.config.Host, f.config.Port)
}

// Open 建立识别流. ctx 只约束建连过程, 流的生命周期由 Close 控制
func (f *Funasr) Open(ctx context.Context, language string) (types.Stream, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.url(), nil)
	if err != nil {
		return nil, fmt.Errorf("连接到FunASR服务失败: %w", err)
	}

	s := &stream{
		conn:     conn,
		config:   f.config,
		language: language,
		results:  make(chan types.StreamingResult, 20),
		done:     make(chan struct{}),
	}

	firstMessage := FunasrRequest{
		Mode:          f.config.Mode,
		ChunkSize:     f.config.ChunkSize,
		ChunkInterval: f.config.ChunkInterval,
		AudioFs:       f.config.SampleRate,
		WavName:       "call",
		WavFormat:     "pcm",
		IsSpeaking:    true,
		Hotwords:      f.config.Hotwords,
		Itn:           true,
	}
	if err := s.writeJSON(firstMessage); err != nil {
		conn.Close()
		return nil, fmt.Errorf("发送初始消息失败: %w", err)
	}

	go s.recvResult()
	return s, nil
}

type stream struct {
	conn     *websocket.Conn
	config   FunasrConfig
	language string

	writeMu   sync.Mutex
	results   chan types.StreamingResult
	done      chan struct{}
	closeOnce sync.Once
}

func (s *stream) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *stream) Send(chunk []byte) error {
	select {
	case <-s.done:
		return net.ErrClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

func (s *stream) Results() <-chan types.StreamingResult {
	return s.results
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.writeJSON(FunasrRequest{IsSpeaking: false})
		err = s.conn.Close()
	})
	return err
}

func (s *stream) emit(r types.StreamingResult) bool {
	select {
	case s.results <- r:
		return true
	case <-s.done:
		return false
	}
}

func (s *stream) recvResult() {
	defer close(s.results)
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// 主动关闭
				return
			default:
			}
			log.Debugf("funasr recvResult 读取识别结果失败: %v", err)
			s.emit(types.StreamingResult{Err: classify(err)})
			return
		}

		var response FunasrResponse
		if err := json.Unmarshal(message, &response); err != nil {
			log.Debugf("funasr recvResult 解析识别结果失败: %v", err)
			continue
		}
		// 2pass 模式下 2pass-offline 为一句话的最终结果
		final := response.IsFinal || response.Mode == "2pass-offline" || response.Mode == "offline"
		if !s.emit(types.StreamingResult{
			Text:     strings.TrimSpace(response.Text),
			Language: s.language,
			IsFinal:  final,
		}) {
			return
		}
	}
}

var (
	ErrTimeout          = errors.New("funasr: read timeout")
	ErrConnectionClosed = errors.New("funasr: connection closed")
)

func classify(err error) error {
	if isTimeoutError(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if isConnectionClosedError(err) {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return err
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func isConnectionClosedError(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
		return true
	}
	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "connection closed") ||
		strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "use of closed network connection")
}
