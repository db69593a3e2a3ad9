package model

import (
	"time"
)

type ContactStatus string

const (
	ContactStatusPending     ContactStatus = "pending"
	ContactStatusCalling     ContactStatus = "calling"
	ContactStatusScheduled   ContactStatus = "scheduled"
	ContactStatusCompleted   ContactStatus = "completed"
	ContactStatusFailed      ContactStatus = "failed"
	ContactStatusDNC         ContactStatus = "dnc"
	ContactStatusTransferred ContactStatus = "transferred"
	ContactStatusNoAnswer    ContactStatus = "no_answer"
	ContactStatusBusy        ContactStatus = "busy"
)

// IsOpen 仍需要拨打的联系人状态, 用于判断活动是否结束
func (s ContactStatus) IsOpen() bool {
	return s == ContactStatusPending || s == ContactStatusCalling || s == ContactStatusScheduled
}

type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
)

type CallbackStatus string

const (
	CallbackStatusPending CallbackStatus = "pending"
	CallbackStatusQueued  CallbackStatus = "queued"
)

type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeRescheduled Outcome = "rescheduled"
	OutcomeTransferred Outcome = "transferred"
	OutcomeDNC         Outcome = "dnc"
	OutcomeFailed      Outcome = "failed"
	OutcomeNoAnswer    Outcome = "no_answer"
	OutcomeBusy        Outcome = "busy"
)

// ContactStatus 通话结果映射到联系人状态
func (o Outcome) ContactStatus() ContactStatus {
	switch o {
	case OutcomeRescheduled:
		return ContactStatusScheduled
	case OutcomeTransferred:
		return ContactStatusTransferred
	case OutcomeDNC:
		return ContactStatusDNC
	case OutcomeFailed:
		return ContactStatusFailed
	case OutcomeNoAnswer:
		return ContactStatusNoAnswer
	case OutcomeBusy:
		return ContactStatusBusy
	default:
		return ContactStatusCompleted
	}
}

type Contact struct {
	ID         string            `json:"id"`
	CampaignID string            `json:"campaign_id"`
	Phone      string            `json:"phone"`
	Name       string            `json:"name"`
	Variables  map[string]string `json:"variables,omitempty"`
	DoNotCall  bool              `json:"do_not_call"`
	NextCallAt *time.Time        `json:"next_call_at,omitempty"`
	Status     ContactStatus     `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
}

// CallingHours 半开区间 [StartHour, EndHour), 按 Timezone 的本地时间计算
// StartHour > EndHour 表示跨越午夜
type CallingHours struct {
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	Timezone  string `json:"timezone"`
}

// Contains 判断 t 是否落在拨打时段内
func (h CallingHours) Contains(t time.Time) bool {
	loc, err := time.LoadLocation(h.Timezone)
	if err != nil || h.Timezone == "" {
		loc = time.UTC
	}
	hour := t.In(loc).Hour()
	if h.StartHour == h.EndHour {
		return true
	}
	if h.StartHour < h.EndHour {
		return hour >= h.StartHour && hour < h.EndHour
	}
	return hour >= h.StartHour || hour < h.EndHour
}

type Persona struct {
	Name           string            `json:"name"`
	SystemPrompt   string            `json:"system_prompt"`
	Greetings      map[string]string `json:"greetings,omitempty"` // language -> 开场白
	TransferNumber string            `json:"transfer_number,omitempty"`
	CallerID       string            `json:"caller_id,omitempty"`
}

type CampaignCounters struct {
	Total       int `json:"total"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	DNC         int `json:"dnc"`
	Transferred int `json:"transferred"`
	Rescheduled int `json:"rescheduled"`
}

// Apply 按通话结果累加计数
func (c *CampaignCounters) Apply(o Outcome) {
	c.Total++
	switch o {
	case OutcomeCompleted:
		c.Completed++
	case OutcomeDNC:
		c.DNC++
	case OutcomeTransferred:
		c.Transferred++
	case OutcomeRescheduled:
		c.Rescheduled++
	default:
		c.Failed++
	}
}

type Campaign struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Status         CampaignStatus   `json:"status"`
	MaxConcurrency int              `json:"max_concurrency"`
	CallingHours   CallingHours     `json:"calling_hours"`
	Languages      []string         `json:"languages"` // 按优先级排列
	Persona        Persona          `json:"persona"`
	Counters       CampaignCounters `json:"counters"`
	CreatedAt      time.Time        `json:"created_at"`
}

// PrimaryLanguage 活动的首选语言, 未配置时返回 fallback
func (c *Campaign) PrimaryLanguage(fallback string) string {
	if len(c.Languages) > 0 && c.Languages[0] != "" {
		return c.Languages[0]
	}
	return fallback
}

type Callback struct {
	ID         string         `json:"id"`
	ContactID  string         `json:"contact_id"`
	CampaignID string         `json:"campaign_id"`
	DueAt      time.Time      `json:"due_at"`
	Status     CallbackStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
}

type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type CallRecord struct {
	SessionID      string         `json:"session_id"`
	ContactID      string         `json:"contact_id"`
	CampaignID     string         `json:"campaign_id"`
	ProviderCallID string         `json:"provider_call_id,omitempty"`
	Outcome        Outcome        `json:"outcome,omitempty"`
	DurationSec    int            `json:"duration_sec"`
	Transcript     []Turn         `json:"transcript"`
	CollectedData  map[string]any `json:"collected_data"`
	Language       string         `json:"language"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
}
