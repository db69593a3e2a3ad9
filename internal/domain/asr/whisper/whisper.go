package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"outbound-call-server-golang/constants"
	"outbound-call-server-golang/internal/domain/asr/types"
	"outbound-call-server-golang/internal/domain/audio"
)

// WhisperConfig OpenAI 兼容的 /audio/transcriptions 接口
type WhisperConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	SampleRate int
}

type Whisper struct {
	name   string
	config WhisperConfig
	client *http.Client
}

func NewWhisper(name string, config WhisperConfig) *Whisper {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.Model == "" {
		config.Model = "whisper-1"
	}
	if config.SampleRate <= 0 {
		config.SampleRate = constants.SampleRate
	}
	return &Whisper{
		name:   name,
		config: config,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (w *Whisper) Name() string { return w.name }

type transcriptionResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Transcribe 将 PCM 封装为 WAV 后上传识别
func (w *Whisper) Transcribe(ctx context.Context, pcm []byte, language string) (types.Transcript, error) {
	wavData, err := audio.PCMToWAV(pcm, w.config.SampleRate)
	if err != nil {
		return types.Transcript{}, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return types.Transcript{}, err
	}
	if _, err := part.Write(wavData); err != nil {
		return types.Transcript{}, err
	}
	_ = mw.WriteField("model", w.config.Model)
	_ = mw.WriteField("response_format", "verbose_json")
	if language != "" {
		_ = mw.WriteField("language", baseLanguage(language))
	}
	if err := mw.Close(); err != nil {
		return types.Transcript{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(w.config.BaseURL, "/")+"/audio/transcriptions", &body)
	if err != nil {
		return types.Transcript{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if w.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.APIKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper 请求失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Transcript{}, err
	}
	if resp.StatusCode >= 300 {
		return types.Transcript{}, fmt.Errorf("whisper 返回状态码 %d: %s", resp.StatusCode, string(data))
	}

	var result transcriptionResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return types.Transcript{}, fmt.Errorf("whisper 返回格式错误: %w", err)
	}
	lang := normalizeLanguage(result.Language)
	if lang == "" {
		lang = language
	}
	return types.Transcript{Text: strings.TrimSpace(result.Text), Language: lang}, nil
}

// baseLanguage "en-US" -> "en"
func baseLanguage(language string) string {
	if i := strings.IndexAny(language, "-_"); i > 0 {
		return strings.ToLower(language[:i])
	}
	return strings.ToLower(language)
}

var languageNames = map[string]string{
	"english":    "en",
	"spanish":    "es",
	"french":     "fr",
	"german":     "de",
	"portuguese": "pt",
	"italian":    "it",
	"hindi":      "hi",
	"chinese":    "zh",
}

// normalizeLanguage verbose_json 返回的是语言全称
func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if code, ok := languageNames[lang]; ok {
		return code
	}
	return lang
}
