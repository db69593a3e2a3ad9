package tts

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"outbound-call-server-golang/constants"
	"outbound-call-server-golang/internal/domain/fallback"
	"outbound-call-server-golang/internal/domain/tts/common"
	"outbound-call-server-golang/internal/domain/tts/cosyvoice"
	"outbound-call-server-golang/internal/domain/tts/edge"
	log "outbound-call-server-golang/logger"
)

const DefaultCacheSize = 256

type TTSProvider = common.TTSProvider

// GetTTSProvider 根据配置中的 type 创建TTS提供者
func GetTTSProvider(providerName string, config map[string]interface{}) (TTSProvider, error) {
	ttsType, _ := config["type"].(string)
	if ttsType == "" {
		ttsType = providerName
	}
	switch ttsType {
	case constants.TtsTypeEdge:
		return edge.NewEdgeTTSProvider(providerName, config), nil
	case constants.TtsTypeCosyvoice:
		return cosyvoice.NewCosyVoiceTTSProvider(providerName, config), nil
	default:
		return nil, fmt.Errorf("不支持的TTS提供者: %s", ttsType)
	}
}

// Channel 播放合成音频的通道, 通常是电话媒体流
type Channel interface {
	IsOpen() bool
	WriteAudio(pcm []byte) error
}

// Gateway 分句合成并写入通道, 主备 provider 自动切换
type Gateway struct {
	chain *fallback.Chain[common.TTSProvider]
	cache *audioCache
}

func NewGateway(chain *fallback.Chain[common.TTSProvider], cacheSize int) *Gateway {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Gateway{chain: chain, cache: newAudioCache(cacheSize)}
}

// Speak 逐句合成并播放, 返回成功写入的句数.
// 通道关闭后立即停止, 不视为错误; 单句主备都失败时跳过该句
func (g *Gateway) Speak(ctx context.Context, text, language string, ch Channel) int {
	written := 0
	for _, segment := range SplitSentences(text) {
		if ctx.Err() != nil || !ch.IsOpen() {
			return written
		}
		pcm, err := g.Synthesize(ctx, segment, language)
		if err != nil {
			log.Warnf("tts 跳过句子 %q: %v", segment, err)
			continue
		}
		if ctx.Err() != nil || !ch.IsOpen() {
			return written
		}
		if err := ch.WriteAudio(pcm); err != nil {
			log.Debugf("tts 写入通道失败, 停止播放: %v", err)
			return written
		}
		written++
	}
	return written
}

// Synthesize 合成单句, 优先读缓存
func (g *Gateway) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	key := cacheKey(language, text)
	if pcm, ok := g.cache.get(key); ok {
		return pcm, nil
	}
	res := fallback.Run(ctx, g.chain, func(ctx context.Context, p common.TTSProvider) ([]byte, error) {
		pcm, err := p.TextToSpeech(ctx, text, language)
		if err == nil && len(pcm) == 0 {
			err = fmt.Errorf("empty audio")
		}
		return pcm, err
	}, nil)
	if res.Fallback {
		return nil, res.Err
	}
	g.cache.put(key, res.Value)
	return res.Value, nil
}

// 句子结束的标点符号
var sentenceEndPunctuation = []rune{'.', '。', '!', '！', '?', '？', '\n'}

func isSentenceEndPunctuation(r rune) bool {
	for _, p := range sentenceEndPunctuation {
		if r == p {
			return true
		}
	}
	return false
}

// SplitSentences 按句末标点切分, 标点保留在句尾, 连续标点归入同一句
func SplitSentences(text string) []string {
	var segments []string
	var current strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if !isSentenceEndPunctuation(r) {
			continue
		}
		if i+1 < len(runes) && isSentenceEndPunctuation(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(current.String()); s != "" {
			segments = append(segments, s)
		}
		current.Reset()
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		segments = append(segments, s)
	}
	return segments
}

func cacheKey(language, text string) string {
	return language + "\x00" + text
}

// audioCache 固定容量, 先进先出淘汰
type audioCache struct {
	mu    sync.Mutex
	size  int
	items map[string][]byte
	order []string
}

func newAudioCache(size int) *audioCache {
	return &audioCache{size: size, items: make(map[string][]byte, size)}
}

func (c *audioCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *audioCache) put(key string, pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; ok {
		c.items[key] = pcm
		return
	}
	for len(c.order) >= c.size {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
	c.items[key] = pcm
	c.order = append(c.order, key)
}

func (c *audioCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
