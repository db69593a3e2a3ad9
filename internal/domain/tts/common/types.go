package common

import "context"

// TTSProvider 文本转语音, 输出 8kHz 16bit 单声道 PCM
type TTSProvider interface {
	Name() string
	TextToSpeech(ctx context.Context, text string, language string) ([]byte, error)
}

// VoiceFor 按语言选择音色, 先精确匹配 "es-MX", 再匹配 "es", 最后用默认音色
func VoiceFor(voices map[string]string, language, def string) string {
	if v, ok := voices[language]; ok && v != "" {
		return v
	}
	for i := 0; i < len(language); i++ {
		if language[i] == '-' || language[i] == '_' {
			if v, ok := voices[language[:i]]; ok && v != "" {
				return v
			}
			break
		}
	}
	return def
}

// StringMap 读取 map[string]interface{} 形式的子配置
func StringMap(v interface{}) map[string]string {
	out := map[string]string{}
	switch m := v.(type) {
	case map[string]string:
		for k, s := range m {
			out[k] = s
		}
	case map[string]interface{}:
		for k, s := range m {
			if str, ok := s.(string); ok {
				out[k] = str
			}
		}
	}
	return out
}
