package session

import (
	cmap "github.com/orcaman/concurrent-map/v2"

	"outbound-call-server-golang/internal/data/model"
	log "outbound-call-server-golang/logger"
)

// Registry 进行中的会话, 创建时注册, EndCall 完成后移除
type Registry struct {
	sessions cmap.ConcurrentMap[string, *Session]
}

func NewRegistry() *Registry {
	return &Registry{sessions: cmap.New[*Session]()}
}

// Add 注册会话, id 已存在时返回 false
func (r *Registry) Add(s *Session) bool {
	if !r.sessions.SetIfAbsent(s.ID(), s) {
		log.Warnf("会话 %s 已注册", s.ID())
		return false
	}
	return true
}

func (r *Registry) Get(id string) (*Session, bool) {
	return r.sessions.Get(id)
}

func (r *Registry) Remove(id string) {
	r.sessions.Remove(id)
}

func (r *Registry) ActiveCount() int {
	return r.sessions.Count()
}

// CountByCampaign 活动当前占用的并发数
func (r *Registry) CountByCampaign(campaignID string) int {
	n := 0
	r.sessions.IterCb(func(_ string, s *Session) {
		if s.CampaignID() == campaignID {
			n++
		}
	})
	return n
}

func (r *Registry) Snapshot() []*Session {
	out := make([]*Session, 0, r.sessions.Count())
	for _, s := range r.sessions.Items() {
		out = append(out, s)
	}
	return out
}

// EndAll 停机时结束所有会话
func (r *Registry) EndAll(outcome model.Outcome) {
	for _, s := range r.Snapshot() {
		s.finish(outcome, true)
	}
}
