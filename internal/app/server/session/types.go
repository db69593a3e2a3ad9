package session

import (
	"context"
	"errors"
	"time"

	"outbound-call-server-golang/internal/data/model"
	"outbound-call-server-golang/internal/domain/asr"
	"outbound-call-server-golang/internal/domain/export"
	"outbound-call-server-golang/internal/domain/store"
	"outbound-call-server-golang/internal/domain/telephony"
	"outbound-call-server-golang/internal/domain/tts"
	"outbound-call-server-golang/internal/domain/vad"
)

var (
	ErrSessionEnded   = errors.New("session: ended")
	ErrSessionStarted = errors.New("session: already started")
)

type State string

const (
	StateCreated   State = "created"
	StateGreeting  State = "greeting"
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateSpeaking  State = "speaking"
	StateEnded     State = "ended"
)

const (
	DefaultMaxDuration        = 10 * time.Minute
	DefaultEndTimeout         = 10 * time.Second
	DefaultRescheduleFallback = 24 * time.Hour
	DefaultLanguage           = "en"
	DefaultGreeting           = "Hello {name}, this is {persona}. Do you have a moment to talk?"

	eventQueueSize = 64
)

// Recognizers 为会话创建识别器, 由 asr.Gateway 实现
type Recognizers interface {
	NewRecognizer(ctx context.Context, language string, sink asr.Sink) asr.Recognizer
}

// Decider 由 llm.Gateway 实现
type Decider interface {
	GetResponse(ctx context.Context, systemPrompt string, history []model.Turn, utterance string) model.Decision
	ParseNaturalSchedule(ctx context.Context, text string, now time.Time) *time.Time
}

// Speaker 由 tts.Gateway 实现
type Speaker interface {
	Speak(ctx context.Context, text, language string, ch tts.Channel) int
}

type Config struct {
	VAD             vad.Config
	MaxDuration     time.Duration
	EndTimeout      time.Duration
	DefaultLanguage string
	DefaultGreeting string
	// RescheduleFallback 改约时间无法解析时, 联系人在此之后重新进入待拨队列
	RescheduleFallback time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.EndTimeout <= 0 {
		c.EndTimeout = DefaultEndTimeout
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = DefaultLanguage
	}
	if c.DefaultGreeting == "" {
		c.DefaultGreeting = DefaultGreeting
	}
	if c.RescheduleFallback <= 0 {
		c.RescheduleFallback = DefaultRescheduleFallback
	}
	return c
}

// Deps 会话依赖的外部能力, 所有会话共享
type Deps struct {
	Store       store.Store
	Telephony   telephony.Provider
	Recognizers Recognizers
	Decider     Decider
	Speaker     Speaker
	Exporter    export.Exporter
	Registry    *Registry
}

type EventType int

const (
	EventTranscript EventType = iota
	EventError
	EventSilence
	EventStopped
)

// Event 会话事件, 由单个 goroutine 串行处理
type Event struct {
	Type     EventType
	Text     string
	Language string
	Err      error
}
