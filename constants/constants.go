package constants

const (
	AsrModeBatch     = "batch"
	AsrModeStreaming = "streaming"
)

const (
	AsrTypeWhisper = "whisper"
	AsrTypeFunAsr  = "funasr"
)

const (
	LlmTypeOpenai = "openai"
	LlmTypeOllama = "ollama"
	LlmTypeGemini = "gemini"
)

const (
	TtsTypeEdge      = "edge"
	TtsTypeCosyvoice = "cosyvoice"
)

const (
	TelephonyTypeTwilio = "twilio"
)

const (
	StoreTypePostgres = "postgres"
	StoreTypeMemory   = "memory"
)

const (
	ExportTypeNone        = "none"
	ExportTypeRedisStream = "redis_stream"
	ExportTypeMqtt        = "mqtt"
)

// 电话侧统一使用 8kHz 16bit 单声道 PCM
const (
	SampleRate     = 8000
	BytesPerSample = 2
)

// BytesForDuration 返回 ms 毫秒音频对应的 PCM 字节数
func BytesForDuration(ms int) int {
	return SampleRate * BytesPerSample * ms / 1000
}
