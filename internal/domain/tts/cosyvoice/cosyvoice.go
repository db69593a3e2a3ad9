package cosyvoice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"outbound-call-server-golang/constants"
	"outbound-call-server-golang/internal/domain/audio"
	"outbound-call-server-golang/internal/domain/tts/common"
	log "outbound-call-server-golang/logger"
)

// 全局HTTP客户端，实现连接池
var (
	httpClient     *http.Client
	httpClientOnce sync.Once
)

// 获取配置了连接池的HTTP客户端
func getHTTPClient() *http.Client {
	httpClientOnce.Do(func() {
		transport := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		httpClient = &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		}
	})
	return httpClient
}

// CosyVoiceTTSProvider CosyVoice TTS提供者
type CosyVoiceTTSProvider struct {
	name         string
	APIURL       string
	SpeakerID    string
	Speakers     map[string]string // language -> spk_id
	TargetSR     int
	AudioFormat  string // wav / pcm / mp3
	InstructText string
}

// NewCosyVoiceTTSProvider 创建新的CosyVoice TTS提供者
func NewCosyVoiceTTSProvider(name string, config map[string]interface{}) *CosyVoiceTTSProvider {
	apiURL, _ := config["api_url"].(string)
	speakerID, _ := config["spk_id"].(string)
	targetSR, _ := config["target_sr"].(float64)
	audioFormat, _ := config["audio_format"].(string)
	instructText, _ := config["instruct_text"].(string)
	if sr, ok := config["target_sr"].(int); ok {
		targetSR = float64(sr)
	}

	if apiURL == "" {
		apiURL = "http://localhost:50000/tts"
	}
	if targetSR == 0 {
		targetSR = constants.SampleRate
	}
	if audioFormat == "" {
		audioFormat = "wav"
	}
	if name == "" {
		name = constants.TtsTypeCosyvoice
	}

	return &CosyVoiceTTSProvider{
		name:         name,
		APIURL:       apiURL,
		SpeakerID:    speakerID,
		Speakers:     common.StringMap(config["speakers"]),
		TargetSR:     int(targetSR),
		AudioFormat:  audioFormat,
		InstructText: instructText,
	}
}

func (p *CosyVoiceTTSProvider) Name() string { return p.name }

// TextToSpeech 将文本转换为 8kHz PCM
func (p *CosyVoiceTTSProvider) TextToSpeech(ctx context.Context, text string, language string) ([]byte, error) {
	params := url.Values{}
	params.Add("tts_text", text)
	params.Add("spk_id", common.VoiceFor(p.Speakers, language, p.SpeakerID))
	params.Add("stream", "false")
	params.Add("target_sr", fmt.Sprintf("%d", p.TargetSR))
	params.Add("audio_format", p.AudioFormat)
	if p.InstructText != "" {
		params.Add("instruct_text", p.InstructText)
	}

	startTs := time.Now()
	requestURL := fmt.Sprintf("%s?%s", p.APIURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	resp, err := getHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API请求失败，状态码: %d, 响应: %s", resp.StatusCode, string(body))
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("API返回空响应")
	}
	log.Debugf("收到TTS响应, 长度: %d, 耗时: %d ms", len(body), time.Since(startTs).Milliseconds())

	switch p.AudioFormat {
	case "wav":
		return audio.WAVToPCM(body, constants.SampleRate)
	case "pcm":
		return audio.ResamplePCM(body, p.TargetSR, constants.SampleRate)
	case "mp3":
		// MP3文件头至少需要100字节才能正常解析
		if len(body) < 100 {
			return nil, fmt.Errorf("API返回的响应太小无法解析为MP3: %d字节", len(body))
		}
		return audio.MP3ToPCM(bytes.NewReader(body), constants.SampleRate)
	}
	return nil, fmt.Errorf("不支持的音频格式: %s", p.AudioFormat)
}
