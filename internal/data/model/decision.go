package model

type Action string

const (
	ActionContinue   Action = "continue"
	ActionReschedule Action = "reschedule"
	ActionTransfer   Action = "transfer"
	ActionEnd        Action = "end"
	ActionDNC        Action = "dnc"
)

// Valid 是否为已知动作
func (a Action) Valid() bool {
	switch a {
	case ActionContinue, ActionReschedule, ActionTransfer, ActionEnd, ActionDNC:
		return true
	}
	return false
}

// Decision LLM 对一轮对话给出的回复与下一步动作
type Decision struct {
	Reply          string         `json:"reply"`
	Action         Action         `json:"action"`
	RescheduleHint string         `json:"reschedule_hint,omitempty"`
	CollectedData  map[string]any `json:"collected_data"`
	Language       string         `json:"language,omitempty"`
	Provider       string         `json:"provider,omitempty"`
}
