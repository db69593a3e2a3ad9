package llm

import (
	"context"
	"fmt"

	"outbound-call-server-golang/constants"
	"outbound-call-server-golang/internal/domain/llm/common"
	"outbound-call-server-golang/internal/domain/llm/eino_llm"
	"outbound-call-server-golang/internal/domain/llm/gemini"
)

type LLMProvider = common.LLMProvider

// GetLLMProvider 根据配置中的 type 创建LLM提供者
func GetLLMProvider(ctx context.Context, providerName string, config map[string]interface{}) (LLMProvider, error) {
	llmType, _ := config["type"].(string)
	if llmType == "" {
		llmType = providerName
	}
	switch llmType {
	case constants.LlmTypeOpenai, constants.LlmTypeOllama:
		cfg := make(map[string]interface{}, len(config)+1)
		for k, v := range config {
			cfg[k] = v
		}
		cfg["type"] = llmType
		provider, err := eino_llm.NewEinoLLMProvider(providerName, cfg)
		if err != nil {
			return nil, fmt.Errorf("创建Eino LLM提供者失败: %w", err)
		}
		return provider, nil
	case constants.LlmTypeGemini:
		apiKey, _ := config["api_key"].(string)
		modelName, _ := config["model_name"].(string)
		baseURL, _ := config["base_url"].(string)
		maxTokens, _ := config["max_tokens"].(int)
		provider, err := gemini.New(ctx, providerName, gemini.Config{
			APIKey:    apiKey,
			Model:     modelName,
			BaseURL:   baseURL,
			MaxTokens: maxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("创建Gemini提供者失败: %w", err)
		}
		return provider, nil
	}
	return nil, fmt.Errorf("不支持的LLM提供者: %s", llmType)
}
