package session

import (
	"context"
	"fmt"

	"outbound-call-server-golang/internal/data/model"
)

// Recover 根据持久化的通话记录重建会话, 用于媒体流到达时内存中没有该会话的情况.
// 已结束的通话不会被恢复
func Recover(ctx context.Context, sessionID string, config Config, deps *Deps) (*Session, error) {
	rec, err := deps.Store.GetCallRecord(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load call record %s: %w", sessionID, err)
	}
	if rec.Outcome != "" || rec.EndedAt != nil {
		return nil, fmt.Errorf("recover %s: %w", sessionID, ErrSessionEnded)
	}
	contact, err := deps.Store.GetContact(ctx, rec.ContactID)
	if err != nil {
		return nil, fmt.Errorf("load contact %s: %w", rec.ContactID, err)
	}
	campaign, err := deps.Store.GetCampaign(ctx, rec.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign %s: %w", rec.CampaignID, err)
	}

	s := New(sessionID, *contact, *campaign, config, deps)
	s.mu.Lock()
	s.providerCallID = rec.ProviderCallID
	s.transcript = append([]model.Turn(nil), rec.Transcript...)
	for k, v := range rec.CollectedData {
		s.collected[k] = v
	}
	if rec.Language != "" {
		s.language = rec.Language
	}
	if !rec.StartedAt.IsZero() {
		s.createdAt = rec.StartedAt
	}
	s.mu.Unlock()

	if deps.Registry != nil && !deps.Registry.Add(s) {
		// 并发恢复时以先注册的为准
		s.Discard()
		if existing, ok := deps.Registry.Get(sessionID); ok {
			return existing, nil
		}
		return nil, fmt.Errorf("recover %s: %w", sessionID, ErrSessionEnded)
	}
	return s, nil
}
