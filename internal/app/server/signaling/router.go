package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outbound-call-server-golang/internal/app/server/session"
	"outbound-call-server-golang/internal/data/model"
	"outbound-call-server-golang/internal/domain/store"
	log "outbound-call-server-golang/logger"
)

// Router 按会话 id 把外部信令与媒体流路由到会话
type Router struct {
	config session.Config
	deps   *session.Deps
}

func NewRouter(config session.Config, deps *session.Deps) *Router {
	return &Router{config: config, deps: deps}
}

// Attach 返回媒体流对应的会话, 内存中没有时从通话记录恢复
func (r *Router) Attach(ctx context.Context, sessionID string) (*session.Session, error) {
	if s, ok := r.deps.Registry.Get(sessionID); ok {
		if !s.IsActive() {
			return nil, session.ErrSessionEnded
		}
		return s, nil
	}
	s, err := session.Recover(ctx, sessionID, r.config, r.deps)
	if err != nil {
		return nil, err
	}
	log.Log("session_id", sessionID, "campaign_id", s.CampaignID()).Info("从通话记录恢复会话")
	return s, nil
}

// Terminate 运营商报告通话结束. 有内存会话时走 EndCall, 否则直接更新持久化状态.
// 返回 false 表示该通话此前已经结束
func (r *Router) Terminate(ctx context.Context, sessionID, providerCallID string, outcome model.Outcome) (bool, error) {
	if sessionID != "" {
		if s, ok := r.deps.Registry.Get(sessionID); ok {
			return s.EndCall(outcome), nil
		}
	}

	rec, err := r.lookup(ctx, sessionID, providerCallID)
	if err != nil {
		return false, err
	}
	// 先到的一方生效
	if s, ok := r.deps.Registry.Get(rec.SessionID); ok {
		return s.EndCall(outcome), nil
	}
	if rec.Outcome != "" {
		return false, nil
	}
	return true, r.persistOutcome(ctx, rec, outcome)
}

func (r *Router) lookup(ctx context.Context, sessionID, providerCallID string) (*model.CallRecord, error) {
	if sessionID != "" {
		rec, err := r.deps.Store.GetCallRecord(ctx, sessionID)
		if err == nil || !errors.Is(err, store.ErrNotFound) || providerCallID == "" {
			return rec, err
		}
	}
	if providerCallID == "" {
		return nil, fmt.Errorf("no session id or call id: %w", store.ErrNotFound)
	}
	return r.deps.Store.FindCallRecordByProviderID(ctx, providerCallID)
}

// persistOutcome 没有内存会话时的收尾, 与 EndCall 的持久化步骤一致
func (r *Router) persistOutcome(ctx context.Context, rec *model.CallRecord, outcome model.Outcome) error {
	now := time.Now()
	rec.Outcome = outcome
	rec.EndedAt = &now
	entry := log.Log("session_id", rec.SessionID, "campaign_id", rec.CampaignID)

	if err := r.deps.Store.SaveCallRecord(ctx, rec); err != nil {
		return fmt.Errorf("save call record: %w", err)
	}
	if err := r.deps.Store.UpdateContactStatus(ctx, rec.ContactID, outcome.ContactStatus()); err != nil {
		entry.Errorf("更新联系人状态失败: %v", err)
	}
	if err := r.deps.Store.IncrementCampaignCounters(ctx, rec.CampaignID, outcome); err != nil {
		entry.Errorf("更新活动计数失败: %v", err)
	}
	if r.deps.Exporter != nil {
		if err := r.deps.Exporter.Export(ctx, rec); err != nil {
			entry.Warnf("导出通话结果失败: %v", err)
		}
	}
	session.CheckCampaignCompletion(ctx, r.deps.Store, rec.CampaignID)
	entry.Infof("无内存会话, 直接记录通话结果 %s", outcome)
	return nil
}
