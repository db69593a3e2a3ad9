package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"outbound-call-server-golang/internal/app/server/session"
	"outbound-call-server-golang/internal/data/model"
	"outbound-call-server-golang/internal/domain/store"
	"outbound-call-server-golang/internal/domain/telephony"
	"outbound-call-server-golang/internal/util/workqueue"
	log "outbound-call-server-golang/logger"
)

const (
	DefaultTickInterval     = 30 * time.Second
	DefaultCallbackInterval = 60 * time.Second
	DefaultStagger          = 2 * time.Second
	DefaultConcurrency      = 5
	DefaultWorkers          = 4
)

type Config struct {
	TickInterval       time.Duration
	CallbackInterval   time.Duration
	Stagger            time.Duration
	DefaultConcurrency int
	// DefaultHours 活动未配置拨打时段时使用
	DefaultHours model.CallingHours
	Workers      int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.CallbackInterval <= 0 {
		c.CallbackInterval = DefaultCallbackInterval
	}
	if c.Stagger < 0 {
		c.Stagger = 0
	}
	if c.DefaultConcurrency <= 0 {
		c.DefaultConcurrency = DefaultConcurrency
	}
	if c.DefaultHours == (model.CallingHours{}) {
		c.DefaultHours = model.CallingHours{StartHour: 9, EndHour: 21, Timezone: "UTC"}
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	return c
}

type Option func(*Scheduler)

// WithClock 测试时注入时间
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler 按活动的并发上限与拨打时段分批外呼, 并处理到期回拨
type Scheduler struct {
	config        Config
	sessionConfig session.Config
	deps          *session.Deps
	now           func() time.Time

	mu       sync.Mutex
	eligible map[string]struct{}
	// pending 已排入错峰等待但尚未拨号的联系人 -> 活动
	pending map[string]string

	wg sync.WaitGroup
}

func New(config Config, sessionConfig session.Config, deps *session.Deps, opts ...Option) *Scheduler {
	s := &Scheduler{
		config:        config.withDefaults(),
		sessionConfig: sessionConfig,
		deps:          deps,
		now:           time.Now,
		eligible:      make(map[string]struct{}),
		pending:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run 启动时立即执行一次, 之后按间隔执行, ctx 结束后等待已排队的拨号退出
func (s *Scheduler) Run(ctx context.Context) {
	tick := time.NewTicker(s.config.TickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(s.config.CallbackInterval)
	defer sweep.Stop()

	log.Infof("调度器启动, tick: %s, callback: %s, stagger: %s",
		s.config.TickInterval, s.config.CallbackInterval, s.config.Stagger)
	s.safe("tick", func() { s.Tick(ctx) })
	s.safe("callback sweep", func() { s.SweepCallbacks(ctx) })
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			log.Info("调度器已停止")
			return
		case <-tick.C:
			s.safe("tick", func() { s.Tick(ctx) })
		case <-sweep.C:
			s.safe("callback sweep", func() { s.SweepCallbacks(ctx) })
		}
	}
}

func (s *Scheduler) safe(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("调度器 %s panic: %v, stack: %s", name, r, string(debug.Stack()))
		}
	}()
	fn()
}

// Wait 等待已排队的拨号完成
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Eligible 当前参与调度的活动
func (s *Scheduler) Eligible() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.eligible))
	for id := range s.eligible {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Scheduler) drop(campaignID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.eligible, campaignID)
}

// reload 把新激活的活动加入调度集合, 返回新加入的数量.
// 已在集合中的活动只由 evaluate 移出
func (s *Scheduler) reload(ctx context.Context) (int, error) {
	campaigns, err := s.deps.Store.ListActiveCampaigns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active campaigns: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, c := range campaigns {
		if _, ok := s.eligible[c.ID]; ok {
			continue
		}
		s.eligible[c.ID] = struct{}{}
		added++
	}
	return added, nil
}

// Tick 评估所有活动, 返回本轮排入的拨号数
func (s *Scheduler) Tick(ctx context.Context) int {
	// 加载失败时仍评估已知活动
	if added, err := s.reload(ctx); err != nil {
		log.Errorf("加载活动失败: %v", err)
	} else if added > 0 {
		log.Infof("新增 %d 个活动参与调度", added)
	}
	ids := s.Eligible()
	counts := make([]int, len(ids))
	workqueue.ParallelizeUntil(ctx, s.config.Workers, len(ids), func(ctx context.Context, i int) {
		counts[i] = s.evaluate(ctx, ids[i])
	})
	total := 0
	for _, n := range counts {
		total += n
	}
	if total > 0 {
		log.Infof("本轮排入 %d 通外呼, 活跃会话 %d", total, s.deps.Registry.ActiveCount())
	}
	return total
}

func (s *Scheduler) hours(c *model.Campaign) model.CallingHours {
	if c.CallingHours == (model.CallingHours{}) {
		return s.config.DefaultHours
	}
	return c.CallingHours
}

func (s *Scheduler) capacity(c *model.Campaign) int {
	if c.MaxConcurrency > 0 {
		return c.MaxConcurrency
	}
	return s.config.DefaultConcurrency
}

func (s *Scheduler) pendingCount(campaignID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, cid := range s.pending {
		if cid == campaignID {
			n++
		}
	}
	return n
}

// evaluate 单个活动的准入判断与分批
func (s *Scheduler) evaluate(ctx context.Context, campaignID string) int {
	entry := log.Log("campaign_id", campaignID)
	campaign, err := s.deps.Store.GetCampaign(ctx, campaignID)
	if errors.Is(err, store.ErrNotFound) {
		entry.Warnf("活动已不存在, 移出调度")
		s.drop(campaignID)
		return 0
	}
	if err != nil {
		entry.Errorf("获取活动失败: %v", err)
		return 0
	}
	if campaign.Status != model.CampaignStatusActive {
		entry.Debugf("活动状态 %s, 移出调度", campaign.Status)
		s.drop(campaignID)
		return 0
	}

	now := s.now()
	if !s.hours(campaign).Contains(now) {
		entry.Debugf("不在拨打时段内")
		return 0
	}

	free := s.capacity(campaign) - s.deps.Registry.CountByCampaign(campaignID) - s.pendingCount(campaignID)
	if free <= 0 {
		entry.Debugf("并发已满")
		return 0
	}

	contacts, err := s.deps.Store.ListDueContacts(ctx, campaignID, now, free)
	if err != nil {
		entry.Errorf("获取待拨联系人失败: %v", err)
		return 0
	}
	contacts = s.reserve(campaignID, contacts)

	if len(contacts) == 0 {
		if s.pendingCount(campaignID) == 0 && session.CheckCampaignCompletion(ctx, s.deps.Store, campaignID) {
			s.drop(campaignID)
		}
		return 0
	}

	for i, contact := range contacts {
		s.schedule(ctx, *campaign, contact, time.Duration(i)*s.config.Stagger)
	}
	return len(contacts)
}

// reserve 过滤已在等待中的联系人并占位
func (s *Scheduler) reserve(campaignID string, contacts []model.Contact) []model.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := contacts[:0]
	for _, c := range contacts {
		if _, ok := s.pending[c.ID]; ok {
			continue
		}
		s.pending[c.ID] = campaignID
		out = append(out, c)
	}
	return out
}

func (s *Scheduler) release(contactID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, contactID)
}

func (s *Scheduler) schedule(ctx context.Context, campaign model.Campaign, contact model.Contact, delay time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(contact.ID)
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("拨号 panic: %v, stack: %s", r, string(debug.Stack()))
			}
		}()

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		if err := s.Dispatch(ctx, campaign, contact); err != nil {
			log.Log("campaign_id", campaign.ID).Warnf("外呼 %s 失败: %v", contact.ID, err)
		}
	}()
}

// Dispatch 标记联系人为 calling, 创建并注册会话, 然后拨号.
// 拨号失败时注销会话并把联系人置为 failed
func (s *Scheduler) Dispatch(ctx context.Context, campaign model.Campaign, contact model.Contact) error {
	// 错峰等待期间联系人可能已被修改
	current, err := s.deps.Store.GetContact(ctx, contact.ID)
	if err != nil {
		return fmt.Errorf("reload contact: %w", err)
	}
	if current.DoNotCall || current.Status != model.ContactStatusPending {
		log.Debugf("联系人 %s 状态 %s, 跳过", current.ID, current.Status)
		return nil
	}

	if err := s.deps.Store.UpdateContactStatus(ctx, contact.ID, model.ContactStatusCalling); err != nil {
		return fmt.Errorf("mark calling: %w", err)
	}

	sess := session.New(session.NewID(), *current, campaign, s.sessionConfig, s.deps)
	if !s.deps.Registry.Add(sess) {
		return fmt.Errorf("session %s already registered", sess.ID())
	}

	callID, err := s.deps.Telephony.Dial(ctx, telephony.DialRequest{
		CallerID:  campaign.Persona.CallerID,
		To:        current.Phone,
		SessionID: sess.ID(),
	})
	if err != nil {
		s.deps.Registry.Remove(sess.ID())
		sess.Discard()
		if uerr := s.deps.Store.UpdateContactStatus(context.WithoutCancel(ctx), contact.ID, model.ContactStatusFailed); uerr != nil {
			log.Errorf("更新联系人 %s 状态失败: %v", contact.ID, uerr)
		}
		return fmt.Errorf("dial: %w", err)
	}

	if err := sess.MarkDialed(ctx, callID); err != nil {
		log.Log("session_id", sess.ID()).Warnf("%v", err)
	}
	log.Log("session_id", sess.ID(), "campaign_id", campaign.ID).Infof("已拨号 %s, call id: %s", current.Phone, callID)
	return nil
}

// SweepCallbacks 领取到期回拨并让联系人重新进入待拨队列, 返回领取数量
func (s *Scheduler) SweepCallbacks(ctx context.Context) int {
	now := s.now()
	callbacks, err := s.deps.Store.ClaimDueCallbacks(ctx, now)
	if err != nil {
		log.Errorf("领取回拨失败: %v", err)
		return 0
	}
	for _, cb := range callbacks {
		if err := s.deps.Store.RequeueContact(ctx, cb.ContactID, now); err != nil {
			log.Log("campaign_id", cb.CampaignID).Errorf("回拨 %s 重新排队失败: %v", cb.ID, err)
			continue
		}
		log.Log("campaign_id", cb.CampaignID).Infof("回拨 %s 到期, 联系人 %s 重新排队", cb.ID, cb.ContactID)
	}
	return len(callbacks)
}
