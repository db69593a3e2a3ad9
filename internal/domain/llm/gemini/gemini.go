package gemini

import (
	"context"
	"fmt"
	"os"

	"google.golang.org/genai"

	"outbound-call-server-golang/internal/data/model"
	"outbound-call-server-golang/internal/domain/llm/common"
)

type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
}

// Gemini 通过 genai SDK 调用 Gemini API
type Gemini struct {
	name      string
	client    *genai.Client
	model     string
	maxTokens int
}

func New(ctx context.Context, name string, config Config) (*Gemini, error) {
	if config.APIKey == "" {
		config.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini api_key不能为空")
	}
	if config.Model == "" {
		config.Model = "gemini-2.0-flash"
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 500
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("创建Gemini客户端失败: %w", err)
	}
	if name == "" {
		name = "gemini"
	}
	return &Gemini{name: name, client: client, model: config.Model, maxTokens: config.MaxTokens}, nil
}

func (g *Gemini) Name() string { return g.name }

func (g *Gemini) Complete(ctx context.Context, req common.Request) (string, error) {
	maxTokens := g.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
	}
	if req.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, ToContents(req.Turns), config)
	if err != nil {
		return "", fmt.Errorf("%s generate: %w", g.name, err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%s generate: empty response", g.name)
	}
	return text, nil
}

// ToContents 对话轮次转换为 genai 内容, assistant 对应 model 角色
func ToContents(turns []model.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		role := genai.Role(genai.RoleUser)
		if turn.Role == model.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Content, role))
	}
	return contents
}
