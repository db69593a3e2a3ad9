package edge

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/difyz9/edge-tts-go/pkg/communicate"

	"outbound-call-server-golang/constants"
	"outbound-call-server-golang/internal/domain/audio"
	"outbound-call-server-golang/internal/domain/tts/common"
	log "outbound-call-server-golang/logger"
)

const defaultVoice = "en-US-JennyNeural"

// EdgeTTSProvider Edge TTS 提供者, 输出的 MP3 解码重采样为电话 PCM
// 配置参数：voice, voices(按语言), rate, volume, pitch, connect_timeout, receive_timeout
type EdgeTTSProvider struct {
	name           string
	Voice          string
	Voices         map[string]string
	Rate           string
	Volume         string
	Pitch          string
	ConnectTimeout int
	ReceiveTimeout int
}

// NewEdgeTTSProvider 创建EdgeTTSProvider
func NewEdgeTTSProvider(name string, config map[string]interface{}) *EdgeTTSProvider {
	voice, _ := config["voice"].(string)
	rate, _ := config["rate"].(string)
	volume, _ := config["volume"].(string)
	pitch, _ := config["pitch"].(string)
	connectTimeout, _ := config["connect_timeout"].(int)
	receiveTimeout, _ := config["receive_timeout"].(int)
	if voice == "" {
		voice = defaultVoice
	}
	if rate == "" {
		rate = "+0%"
	}
	if volume == "" {
		volume = "+0%"
	}
	if pitch == "" {
		pitch = "+0Hz"
	}
	if connectTimeout == 0 {
		connectTimeout = 10
	}
	if receiveTimeout == 0 {
		receiveTimeout = 60
	}
	if name == "" {
		name = constants.TtsTypeEdge
	}
	return &EdgeTTSProvider{
		name:           name,
		Voice:          voice,
		Voices:         common.StringMap(config["voices"]),
		Rate:           rate,
		Volume:         volume,
		Pitch:          pitch,
		ConnectTimeout: connectTimeout,
		ReceiveTimeout: receiveTimeout,
	}
}

func (p *EdgeTTSProvider) Name() string { return p.name }

// TextToSpeech 流式接收 MP3 后整体解码
func (p *EdgeTTSProvider) TextToSpeech(ctx context.Context, text string, language string) ([]byte, error) {
	startTs := time.Now()
	voice := common.VoiceFor(p.Voices, language, p.Voice)
	comm, err := communicate.NewCommunicate(
		text,
		voice,
		p.Rate,
		p.Volume,
		p.Pitch,
		"", // proxy
		p.ConnectTimeout,
		p.ReceiveTimeout,
	)
	if err != nil {
		return nil, fmt.Errorf("EdgeTTS Communicate创建失败: %w", err)
	}

	chunkChan, errChan := comm.Stream(ctx)
	var mp3 bytes.Buffer
	for chunk := range chunkChan {
		if chunk.Type == "audio" {
			mp3.Write(chunk.Data)
		}
	}
	if err := <-errChan; err != nil {
		return nil, fmt.Errorf("EdgeTTS合成出错: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if mp3.Len() == 0 {
		return nil, fmt.Errorf("EdgeTTS未返回音频")
	}

	pcm, err := audio.MP3ToPCM(&mp3, constants.SampleRate)
	if err != nil {
		return nil, err
	}
	log.Debugf("EdgeTTS合成完成, voice: %s, 耗时: %d ms", voice, time.Since(startTs).Milliseconds())
	return pcm, nil
}
