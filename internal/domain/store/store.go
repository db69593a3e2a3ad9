package store

import (
	"context"
	"errors"
	"time"

	"outbound-call-server-golang/internal/data/model"
)

var ErrNotFound = errors.New("store: not found")

// Store 外呼引擎依赖的持久化能力, 活动与联系人的增删由外部系统负责
type Store interface {
	CallRecords
	Contacts
	Campaigns
	Callbacks
	Close() error
}

type CallRecords interface {
	// SaveCallRecord 按 SessionID upsert
	SaveCallRecord(ctx context.Context, rec *model.CallRecord) error
	GetCallRecord(ctx context.Context, sessionID string) (*model.CallRecord, error)
	// FindCallRecordByProviderID 状态回调只带运营商侧的 call id 时使用
	FindCallRecordByProviderID(ctx context.Context, providerCallID string) (*model.CallRecord, error)
}

type Contacts interface {
	GetContact(ctx context.Context, id string) (*model.Contact, error)
	UpdateContactStatus(ctx context.Context, id string, status model.ContactStatus) error
	// MarkContactDNC 设置 do_not_call 并将状态置为 dnc
	MarkContactDNC(ctx context.Context, id string) error
	// ScheduleContact 状态置为 scheduled, next_call_at = at
	ScheduleContact(ctx context.Context, id string, at time.Time) error
	// RequeueContact 状态置为 pending, next_call_at = at
	RequeueContact(ctx context.Context, id string, at time.Time) error
	// ListDueContacts pending 且非 DNC, next_call_at 为空或已到期, 按创建时间升序
	ListDueContacts(ctx context.Context, campaignID string, now time.Time, limit int) ([]model.Contact, error)
	// CountOpenContacts pending, calling, scheduled 的联系人数
	CountOpenContacts(ctx context.Context, campaignID string) (int, error)
}

type Campaigns interface {
	GetCampaign(ctx context.Context, id string) (*model.Campaign, error)
	ListActiveCampaigns(ctx context.Context) ([]model.Campaign, error)
	// CompleteCampaign 仅当活动为 active 时置为 completed, 返回本次是否发生了状态变化
	CompleteCampaign(ctx context.Context, id string) (bool, error)
	IncrementCampaignCounters(ctx context.Context, id string, outcome model.Outcome) error
}

type Callbacks interface {
	CreateCallback(ctx context.Context, cb *model.Callback) error
	// ClaimDueCallbacks 原子地把到期且所属活动为 active 的回拨从 pending 置为 queued,
	// 每条回拨只会被领取一次
	ClaimDueCallbacks(ctx context.Context, now time.Time) ([]model.Callback, error)
}
