package eino_llm

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	datamodel "outbound-call-server-golang/internal/data/model"
	"outbound-call-server-golang/internal/domain/llm/common"
	log "outbound-call-server-golang/logger"
)

// EinoLLMProvider 基于Eino框架的LLM提供者, 支持openai和ollama
type EinoLLMProvider struct {
	name         string
	chatModel    model.BaseChatModel
	modelName    string
	maxTokens    int
	providerType string // "openai" 或 "ollama"
}

// 连接池配置
const (
	maxIdleConns        = 100
	maxIdleConnsPerHost = 10
	idleConnTimeout     = 90 * time.Second
	requestTimeout      = 30 * time.Second
)

// 全局HTTP客户端，用于所有OpenAI请求
var (
	httpClient     *http.Client
	httpClientOnce sync.Once
)

// getHTTPClient 返回配置了连接池的HTTP客户端
func getHTTPClient() *http.Client {
	httpClientOnce.Do(func() {
		transport := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        maxIdleConns,
			MaxIdleConnsPerHost: maxIdleConnsPerHost,
			IdleConnTimeout:     idleConnTimeout,
			TLSHandshakeTimeout: 10 * time.Second,
		}
		httpClient = &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		}
	})
	return httpClient
}

// NewEinoLLMProvider 创建新的Eino LLM提供者，根据type支持openai和ollama
func NewEinoLLMProvider(name string, config map[string]interface{}) (*EinoLLMProvider, error) {
	providerType, _ := config["type"].(string)
	if providerType == "" {
		return nil, fmt.Errorf("type不能为空，必须是 'openai' 或 'ollama'")
	}

	modelName, _ := config["model_name"].(string)
	if modelName == "" {
		return nil, fmt.Errorf("model_name不能为空")
	}

	maxTokens := 500
	switch mt := config["max_tokens"].(type) {
	case int:
		maxTokens = mt
	case float64:
		maxTokens = int(mt)
	}

	var chatModel model.BaseChatModel
	var err error
	switch providerType {
	case "openai":
		chatModel, err = createOpenAIChatModel(config)
	case "ollama":
		chatModel, err = createOllamaChatModel(config)
	default:
		return nil, fmt.Errorf("不支持的模型类型: %s", providerType)
	}
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = providerType
	}
	return &EinoLLMProvider{
		name:         name,
		chatModel:    chatModel,
		modelName:    modelName,
		maxTokens:    maxTokens,
		providerType: providerType,
	}, nil
}

// NewWithChatModel 使用已有的 ChatModel 构造, 便于替换实现
func NewWithChatModel(name string, chatModel model.BaseChatModel, maxTokens int) *EinoLLMProvider {
	return &EinoLLMProvider{
		name:         name,
		chatModel:    chatModel,
		maxTokens:    maxTokens,
		providerType: "custom",
	}
}

func createOpenAIChatModel(config map[string]interface{}) (model.BaseChatModel, error) {
	modelName, _ := config["model_name"].(string)
	apiKey, _ := config["api_key"].(string)
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	baseURL, _ := config["base_url"].(string)

	openaiConfig := &openai.ChatModelConfig{
		Model:      modelName,
		APIKey:     apiKey,
		HTTPClient: getHTTPClient(),
	}
	if baseURL != "" {
		openaiConfig.BaseURL = baseURL
	}

	chatModel, err := openai.NewChatModel(context.Background(), openaiConfig)
	if err != nil {
		return nil, fmt.Errorf("创建OpenAI ChatModel失败: %w", err)
	}
	log.Infof("成功创建OpenAI ChatModel，模型: %s", modelName)
	return chatModel, nil
}

func createOllamaChatModel(config map[string]interface{}) (model.BaseChatModel, error) {
	modelName, _ := config["model_name"].(string)
	baseURL, _ := config["base_url"].(string)
	if baseURL == "" {
		return nil, fmt.Errorf("ollama base_url不能为空")
	}

	chatModel, err := ollama.NewChatModel(context.Background(), &ollama.ChatModelConfig{
		BaseURL: baseURL,
		Model:   modelName,
	})
	if err != nil {
		return nil, fmt.Errorf("创建Ollama ChatModel失败: %w", err)
	}
	log.Infof("成功创建Ollama ChatModel，模型: %s", modelName)
	return chatModel, nil
}

func (p *EinoLLMProvider) Name() string { return p.name }

func (p *EinoLLMProvider) GetProviderType() string { return p.providerType }

// Complete 单次生成, 通话场景需要完整 JSON, 不使用流式输出
func (p *EinoLLMProvider) Complete(ctx context.Context, req common.Request) (string, error) {
	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	message, err := p.chatModel.Generate(ctx, ToSchemaMessages(req), model.WithMaxTokens(maxTokens))
	if err != nil {
		return "", fmt.Errorf("%s generate: %w", p.name, err)
	}
	if message == nil {
		return "", fmt.Errorf("%s generate: empty message", p.name)
	}
	return message.Content, nil
}

// ToSchemaMessages 转换为 Eino 消息
func ToSchemaMessages(req common.Request) []*schema.Message {
	messages := make([]*schema.Message, 0, len(req.Turns)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, schema.SystemMessage(req.SystemPrompt))
	}
	for _, turn := range req.Turns {
		switch turn.Role {
		case datamodel.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(turn.Content, nil))
		default:
			messages = append(messages, schema.UserMessage(turn.Content))
		}
	}
	return messages
}
