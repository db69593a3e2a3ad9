package asr

import (
	"fmt"

	"outbound-call-server-golang/constants"
	"outbound-call-server-golang/internal/domain/asr/funasr"
	"outbound-call-server-golang/internal/domain/asr/types"
	"outbound-call-server-golang/internal/domain/asr/whisper"
)

// NewBatchProvider 根据类型创建批量识别 provider
// name: 配置中的 provider 名称
// config: provider 配置, 为 map[string]interface{} 类型
func NewBatchProvider(name string, config map[string]interface{}) (types.BatchProvider, error) {
	asrType := stringValue(config, "type", name)
	switch asrType {
	case constants.AsrTypeWhisper:
		return whisper.NewWhisper(name, whisper.WhisperConfig{
			BaseURL:    stringValue(config, "base_url", ""),
			APIKey:     stringValue(config, "api_key", ""),
			Model:      stringValue(config, "model", ""),
			SampleRate: intValue(config, "sample_rate", constants.SampleRate),
		}), nil
	default:
		return nil, fmt.Errorf("不支持的批量ASR类型: %s", asrType)
	}
}

// NewStreamingProvider 根据类型创建流式识别 provider
func NewStreamingProvider(name string, config map[string]interface{}) (types.StreamingProvider, error) {
	asrType := stringValue(config, "type", name)
	switch asrType {
	case constants.AsrTypeFunAsr:
		funasrConfig := funasr.FunasrConfig{
			Host:          stringValue(config, "host", ""),
			Port:          stringValue(config, "port", ""),
			Mode:          stringValue(config, "mode", ""),
			SampleRate:    intValue(config, "sample_rate", constants.SampleRate),
			ChunkInterval: intValue(config, "chunk_interval", 0),
			Hotwords:      stringValue(config, "hotwords", ""),
		}
		if chunkSize, ok := config["chunk_size"].([]int); ok && len(chunkSize) > 0 {
			funasrConfig.ChunkSize = chunkSize
		}
		return funasr.NewFunasr(name, funasrConfig), nil
	default:
		return nil, fmt.Errorf("不支持的流式ASR类型: %s", asrType)
	}
}

func stringValue(config map[string]interface{}, key, def string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// intValue 兼容 json 解析出的 float64
func intValue(config map[string]interface{}, key string, def int) int {
	switch v := config[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 {
			return int(v)
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return def
}
