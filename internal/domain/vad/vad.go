package vad

import (
	"encoding/binary"
	"math"
	"runtime/debug"
	"sync"
	"time"

	log "outbound-call-server-golang/logger"
)

const (
	// DefaultThreshold 16bit PCM 的 RMS 能量阈值
	DefaultThreshold = 500.0
	// DefaultSilenceDuration 说话结束后判定为一句话结束的静音时长
	DefaultSilenceDuration = 900 * time.Millisecond
)

type Config struct {
	Threshold       float64
	SilenceDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = DefaultSilenceDuration
	}
	return c
}

// Detector 基于能量的断句检测.
// 每个说话片段结束后 onSilence 恰好触发一次; 静音计时期间再次检测到声音会取消计时.
type Detector struct {
	cfg       Config
	onSilence func()

	mu         sync.Mutex
	speaking   bool
	timer      *time.Timer
	generation uint64 // 每次启动/取消计时自增, 过期回调据此丢弃
	closed     bool
}

func NewDetector(cfg Config, onSilence func()) *Detector {
	return &Detector{
		cfg:       cfg.withDefaults(),
		onSilence: onSilence,
	}
}

// Process 处理一帧 PCM, 返回处理后是否处于说话状态
func (d *Detector) Process(chunk []byte) bool {
	energy := RMS(chunk)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}

	if energy >= d.cfg.Threshold {
		d.speaking = true
		d.cancelTimerLocked()
		return true
	}

	if d.speaking && d.timer == nil {
		d.generation++
		gen := d.generation
		d.timer = time.AfterFunc(d.cfg.SilenceDuration, func() { d.fire(gen) })
	}
	return d.speaking
}

func (d *Detector) fire(gen uint64) {
	d.mu.Lock()
	if d.closed || gen != d.generation || d.timer == nil {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.speaking = false
	d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("vad silence callback panic: %v, stack: %s", r, string(debug.Stack()))
		}
	}()
	if d.onSilence != nil {
		d.onSilence()
	}
}

func (d *Detector) cancelTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
		d.generation++
	}
}

func (d *Detector) IsSpeaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Reset 回到初始状态, 丢弃未触发的静音计时
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelTimerLocked()
	d.speaking = false
}

// Close 停止计时, 之后不会再触发任何回调
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelTimerLocked()
	d.closed = true
	d.speaking = false
}

// RMS 计算 16bit 小端 PCM 的均方根能量, 末尾不足一个采样的字节忽略
func RMS(chunk []byte) float64 {
	n := len(chunk) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(chunk[2*i:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
