package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"outbound-call-server-golang/internal/data/model"
	"outbound-call-server-golang/internal/domain/fallback"
	"outbound-call-server-golang/internal/domain/llm/common"
	log "outbound-call-server-golang/logger"
)

// MaxHistoryTurns 每次请求携带的最近对话轮数
const MaxHistoryTurns = 10

const safeReply = "I'm sorry, I'm having a little trouble right now. Could you say that again?"

var ErrMalformedOutput = errors.New("llm: malformed output")

// SafeDecision 所有 provider 都不可用时的固定回复, 通话继续
func SafeDecision() model.Decision {
	return model.Decision{
		Reply:         safeReply,
		Action:        model.ActionContinue,
		CollectedData: map[string]any{},
		Provider:      fallback.SafeProvider,
	}
}

const decisionInstructions = `

Reply ONLY with a JSON object of this shape:
{"reply": "<what you say next, in the caller's language>",
 "action": "continue" | "reschedule" | "transfer" | "end" | "dnc",
 "reschedule_hint": "<the caller's words about when to call back, only for reschedule>",
 "collected_data": {<any facts the caller gave, as key/value pairs>},
 "language": "<BCP-47 code of the language the caller is speaking>"}
Use "dnc" when the caller asks not to be called again, "transfer" when they ask for a human,
"reschedule" when they ask to be called another time, "end" when the conversation is complete.`

const scheduleInstructions = `You convert a caller's request for a callback into an absolute time.
The current time is %s (timezone %s).
Reply ONLY with a JSON object {"datetime": "<RFC3339 timestamp>"}, or {"datetime": null} if the request names no usable time.`

// Gateway 决策入口, 主备 provider 之间自动切换
type Gateway struct {
	chain *fallback.Chain[common.LLMProvider]
}

func NewGateway(chain *fallback.Chain[common.LLMProvider]) *Gateway {
	return &Gateway{chain: chain}
}

// GetResponse 根据系统提示词, 最近的对话以及本轮用户输入给出决策; 永远返回完整的决策
func (g *Gateway) GetResponse(ctx context.Context, systemPrompt string, history []model.Turn, utterance string) model.Decision {
	req := common.Request{
		SystemPrompt: systemPrompt + decisionInstructions,
		Turns:        append(RecentTurns(history, MaxHistoryTurns), model.Turn{Role: model.RoleUser, Content: utterance}),
		JSON:         true,
	}
	res := fallback.Run(ctx, g.chain, func(ctx context.Context, p common.LLMProvider) (model.Decision, error) {
		out, err := p.Complete(ctx, req)
		if err != nil {
			return model.Decision{}, err
		}
		return ParseDecision(out)
	}, SafeDecision)
	if res.Fallback {
		log.Errorf("llm 全部 provider 失败, 使用兜底回复: %v", res.Err)
		return res.Value
	}
	res.Value.Provider = res.Provider
	return res.Value
}

// ParseNaturalSchedule 把 "明天下午三点" 之类的描述解析为绝对时间, 无法解析时返回 nil
func (g *Gateway) ParseNaturalSchedule(ctx context.Context, text string, now time.Time) *time.Time {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	req := common.Request{
		SystemPrompt: fmt.Sprintf(scheduleInstructions, now.Format(time.RFC3339), now.Location().String()),
		Turns:        []model.Turn{{Role: model.RoleUser, Content: text}},
		JSON:         true,
		MaxTokens:    100,
	}
	res := fallback.Run(ctx, g.chain, func(ctx context.Context, p common.LLMProvider) (*time.Time, error) {
		out, err := p.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		return ParseSchedule(out)
	}, func() *time.Time { return nil })
	if res.Fallback {
		log.Warnf("llm 解析回拨时间失败: %v", res.Err)
	}
	return res.Value
}

// RecentTurns 返回最后 n 轮
func RecentTurns(turns []model.Turn, n int) []model.Turn {
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]model.Turn, len(turns))
	copy(out, turns)
	return out
}

type rawDecision struct {
	Reply          *string        `json:"reply"`
	Action         string         `json:"action"`
	RescheduleHint string         `json:"reschedule_hint"`
	CollectedData  map[string]any `json:"collected_data"`
	Language       string         `json:"language"`
}

// ParseDecision 解析模型输出, 缺失字段补默认值; 连 reply 都没有的输出视为格式错误
func ParseDecision(out string) (model.Decision, error) {
	obj, err := extractJSON(out)
	if err != nil {
		return model.Decision{}, err
	}
	var raw rawDecision
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return model.Decision{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if raw.Reply == nil {
		return model.Decision{}, fmt.Errorf("%w: missing reply", ErrMalformedOutput)
	}

	d := model.Decision{
		Reply:          strings.TrimSpace(*raw.Reply),
		Action:         model.Action(strings.ToLower(strings.TrimSpace(raw.Action))),
		RescheduleHint: strings.TrimSpace(raw.RescheduleHint),
		CollectedData:  raw.CollectedData,
		Language:       strings.TrimSpace(raw.Language),
	}
	if !d.Action.Valid() {
		d.Action = model.ActionContinue
	}
	if d.CollectedData == nil {
		d.CollectedData = map[string]any{}
	}
	return d, nil
}

// ParseSchedule 解析 {"datetime": ...}; null 或空串返回 nil 且不算失败
func ParseSchedule(out string) (*time.Time, error) {
	obj, err := extractJSON(out)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Datetime *string `json:"datetime"`
	}
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if raw.Datetime == nil || strings.TrimSpace(*raw.Datetime) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(*raw.Datetime))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return &t, nil
}

// extractJSON 去掉 markdown 代码块等包裹, 取第一个 '{' 到最后一个 '}'
func extractJSON(out string) (string, error) {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: no json object", ErrMalformedOutput)
	}
	return out[start : end+1], nil
}
