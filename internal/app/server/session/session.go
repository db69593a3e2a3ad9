package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"outbound-call-server-golang/internal/data/model"
	"outbound-call-server-golang/internal/domain/asr"
	"outbound-call-server-golang/internal/domain/intent"
	"outbound-call-server-golang/internal/domain/telephony"
	"outbound-call-server-golang/internal/domain/tts"
	"outbound-call-server-golang/internal/domain/vad"
	"outbound-call-server-golang/internal/util"
	log "outbound-call-server-golang/logger"
)

// Session 一通外呼电话. isActive 只会从 true 变为 false 一次,
// transcript 只追加, collected 只合并
type Session struct {
	id       string
	contact  model.Contact
	campaign model.Campaign
	config   Config
	deps     *Deps

	ctx    context.Context
	cancel context.CancelFunc

	isActive atomic.Bool
	started  atomic.Bool

	mu             sync.RWMutex
	state          State
	language       string
	transcript     []model.Turn
	collected      map[string]any
	providerCallID string
	channel        tts.Channel
	createdAt      time.Time
	answeredAt     time.Time
	// contactUpdated 动作已写入联系人状态, 收尾时不再覆盖
	contactUpdated bool

	events     *util.Queue[Event]
	recognizer asr.Recognizer
	detector   *vad.Detector
	maxTimer   *time.Timer
	loopDone   chan struct{}
}

func New(id string, contact model.Contact, campaign model.Campaign, config Config, deps *Deps) *Session {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		contact:   contact,
		campaign:  campaign,
		config:    config,
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateCreated,
		language:  campaign.PrimaryLanguage(config.DefaultLanguage),
		collected: make(map[string]any),
		createdAt: time.Now(),
		events:    util.NewQueue[Event](eventQueueSize),
		loopDone:  make(chan struct{}),
	}
	s.isActive.Store(true)
	return s
}

// NewID 生成会话 id
func NewID() string {
	return uuid.NewString()
}

func (s *Session) ID() string               { return s.id }
func (s *Session) CampaignID() string       { return s.campaign.ID }
func (s *Session) Contact() model.Contact   { return s.contact }
func (s *Session) Campaign() model.Campaign { return s.campaign }
func (s *Session) IsActive() bool           { return s.isActive.Load() }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return
	}
	s.state = state
}

func (s *Session) Language() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.language
}

func (s *Session) Transcript() []model.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Turn(nil), s.transcript...)
}

func (s *Session) CollectedData() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.collected))
	for k, v := range s.collected {
		out[k] = v
	}
	return out
}

func (s *Session) ProviderCallID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.providerCallID
}

func (s *Session) logger() *logrus.Entry {
	return log.Log("session_id", s.id, "campaign_id", s.campaign.ID)
}

func (s *Session) appendTurn(role model.Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, model.Turn{Role: role, Content: content})
}

// record 当前状态的通话记录快照
func (s *Session) record() *model.CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	startedAt := s.answeredAt
	if startedAt.IsZero() {
		startedAt = s.createdAt
	}
	collected := make(map[string]any, len(s.collected))
	for k, v := range s.collected {
		collected[k] = v
	}
	return &model.CallRecord{
		SessionID:      s.id,
		ContactID:      s.contact.ID,
		CampaignID:     s.campaign.ID,
		ProviderCallID: s.providerCallID,
		Transcript:     append([]model.Turn(nil), s.transcript...),
		CollectedData:  collected,
		Language:       s.language,
		StartedAt:      startedAt,
	}
}

// MarkDialed 记录运营商 call id 并持久化, 其它实例收到媒体流时可据此恢复会话
func (s *Session) MarkDialed(ctx context.Context, providerCallID string) error {
	s.mu.Lock()
	s.providerCallID = providerCallID
	s.mu.Unlock()
	if err := s.deps.Store.SaveCallRecord(ctx, s.record()); err != nil {
		return fmt.Errorf("save dialed record: %w", err)
	}
	return nil
}

// Start 媒体接通后调用: 持久化记录, 播放开场白, 进入 listening.
// 任何失败都会以 failed 结束通话
func (s *Session) Start(ctx context.Context, ch tts.Channel) (err error) {
	if !s.IsActive() {
		return ErrSessionEnded
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrSessionStarted
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("会话 %s Start panic: %v, stack: %s", s.id, r, string(debug.Stack()))
			err = fmt.Errorf("start panic: %v", r)
		}
		if err != nil {
			s.logger().Errorf("会话启动失败: %v", err)
			s.finish(model.OutcomeFailed, true)
		}
	}()

	s.mu.Lock()
	s.channel = ch
	s.answeredAt = time.Now()
	greeted := len(s.transcript) > 0
	s.mu.Unlock()

	if err := s.deps.Store.SaveCallRecord(ctx, s.record()); err != nil {
		return fmt.Errorf("save call record: %w", err)
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return nil
	}
	s.maxTimer = time.AfterFunc(s.config.MaxDuration, s.onMaxDuration)
	s.mu.Unlock()

	// 恢复的会话已经打过招呼
	if !greeted {
		s.setState(StateGreeting)
		language := s.Language()
		greeting := s.greeting(language)
		s.appendTurn(model.RoleAssistant, greeting)
		s.deps.Speaker.Speak(s.ctx, greeting, language, ch)
	}
	if !s.IsActive() {
		return nil
	}

	if !s.attach() {
		return nil
	}
	go s.loop()
	s.setState(StateListening)
	s.logger().Infof("会话开始监听, language: %s", s.Language())
	return nil
}

func (s *Session) attach() bool {
	detector := vad.NewDetector(s.config.VAD, func() {
		s.events.TryPush(Event{Type: EventSilence})
	})
	recognizer := s.deps.Recognizers.NewRecognizer(s.ctx, s.Language(), &sink{s: s})

	s.mu.Lock()
	if s.state == StateEnded {
		// 已在收尾, release 不会再看到这两个对象
		s.mu.Unlock()
		detector.Close()
		recognizer.Close()
		return false
	}
	s.detector = detector
	s.recognizer = recognizer
	s.mu.Unlock()
	return true
}

// greeting 活动开场白, 支持 {name}, {persona} 和联系人变量占位
func (s *Session) greeting(language string) string {
	text := s.campaign.Persona.Greetings[language]
	if text == "" {
		text = s.campaign.Persona.Greetings[s.campaign.PrimaryLanguage(s.config.DefaultLanguage)]
	}
	if text == "" {
		text = s.config.DefaultGreeting
	}
	pairs := []string{"{name}", s.contact.Name, "{persona}", s.campaign.Persona.Name}
	for k, v := range s.contact.Variables {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.TrimSpace(strings.NewReplacer(pairs...).Replace(text))
}

// HandleAudio 来电方 PCM 帧, 仅 listening 状态进入 VAD 与识别
func (s *Session) HandleAudio(pcm []byte) {
	if !s.IsActive() {
		return
	}
	s.mu.RLock()
	state, detector, recognizer := s.state, s.detector, s.recognizer
	s.mu.RUnlock()
	if state != StateListening || detector == nil || recognizer == nil {
		return
	}
	detector.Process(pcm)
	recognizer.Write(pcm)
}

// Stop 媒体流结束
func (s *Session) Stop() {
	s.events.TryPush(Event{Type: EventStopped})
}

type sink struct {
	s *Session
}

func (k *sink) OnTranscript(text, language string) {
	if !k.s.IsActive() {
		return
	}
	if !k.s.events.TryPush(Event{Type: EventTranscript, Text: text, Language: language}) {
		k.s.logger().Warnf("事件队列已满, 丢弃识别结果: %s", text)
	}
}

func (k *sink) OnError(err error) {
	if !k.s.IsActive() {
		return
	}
	k.s.events.TryPush(Event{Type: EventError, Err: err})
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		ev, err := s.events.Pop(s.ctx, 0)
		if err != nil {
			if errors.Is(err, util.ErrQueueClosed) || errors.Is(err, util.ErrQueueCtxDone) {
				return
			}
			continue
		}
		if !s.IsActive() {
			return
		}
		if stop := s.handle(ev); stop {
			return
		}
	}
}

// handle 处理单个事件, panic 只记录不影响会话
func (s *Session) handle(ev Event) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("会话 %s 事件处理 panic: %v, stack: %s", s.id, r, string(debug.Stack()))
		}
	}()

	switch ev.Type {
	case EventSilence:
		s.mu.RLock()
		recognizer := s.recognizer
		s.mu.RUnlock()
		if recognizer != nil {
			recognizer.OnSilence(s.ctx)
		}
	case EventTranscript:
		if err := s.processTurn(ev.Text, ev.Language); err != nil {
			s.logger().Errorf("处理对话失败: %v", err)
		}
	case EventError:
		s.logger().Warnf("识别错误: %v", ev.Err)
	case EventStopped:
		s.logger().Info("媒体流结束")
		s.finish(model.OutcomeCompleted, true)
		return true
	}
	return false
}

// processTurn 一轮对话: 意图识别, LLM 决策, 播放回复, 执行动作
func (s *Session) processTurn(text, language string) error {
	text = strings.TrimSpace(text)
	if text == "" || !s.IsActive() {
		return nil
	}
	s.setState(StateThinking)
	s.logger().Infof("用户: %s", text)

	history := s.Transcript()
	s.appendTurn(model.RoleUser, text)
	category := intent.Classify(text)

	decision := s.deps.Decider.GetResponse(s.ctx, s.systemPrompt(), history, text)
	if !s.IsActive() {
		return nil
	}
	action := intent.Reconcile(decision.Action, category)
	if action != decision.Action {
		s.logger().Infof("关键词 %s 覆盖 LLM 动作 %s", category, decision.Action)
	}

	s.mu.Lock()
	if decision.Language != "" && decision.Language != s.language {
		s.language = decision.Language
		if s.recognizer != nil {
			s.recognizer.SetLanguage(decision.Language)
		}
	} else if decision.Language == "" && language != "" && language != s.language {
		s.language = language
	}
	for k, v := range decision.CollectedData {
		s.collected[k] = v
	}
	s.mu.Unlock()

	if decision.Reply != "" {
		s.appendTurn(model.RoleAssistant, decision.Reply)
		s.setState(StateSpeaking)
		s.mu.RLock()
		ch := s.channel
		s.mu.RUnlock()
		s.deps.Speaker.Speak(s.ctx, decision.Reply, s.Language(), ch)
	}
	if !s.IsActive() {
		return nil
	}

	s.logger().Infof("助手: %s, action: %s, provider: %s", decision.Reply, action, decision.Provider)
	s.applyAction(action, decision, text)

	if s.IsActive() {
		s.mu.RLock()
		detector := s.detector
		s.mu.RUnlock()
		if detector != nil {
			detector.Reset()
		}
		s.setState(StateListening)
	}
	return nil
}

func (s *Session) applyAction(action model.Action, decision model.Decision, utterance string) {
	switch action {
	case model.ActionReschedule:
		s.reschedule(decision, utterance)
		s.finish(model.OutcomeRescheduled, true)
	case model.ActionTransfer:
		transferred := s.transfer()
		s.finish(model.OutcomeTransferred, !transferred)
	case model.ActionDNC:
		ctx, cancel := context.WithTimeout(context.Background(), s.config.EndTimeout)
		defer cancel()
		if err := s.deps.Store.MarkContactDNC(ctx, s.contact.ID); err != nil {
			s.logger().Errorf("标记 DNC 失败: %v", err)
		} else {
			s.markContactUpdated()
		}
		s.finish(model.OutcomeDNC, true)
	case model.ActionEnd:
		s.finish(model.OutcomeCompleted, true)
	}
}

// reschedule 解析改约时间并创建回拨; 解析失败时联系人在 RescheduleFallback 后重新待拨
func (s *Session) reschedule(decision model.Decision, utterance string) {
	hint := decision.RescheduleHint
	if hint == "" {
		hint = utterance
	}
	now := time.Now()
	at := s.deps.Decider.ParseNaturalSchedule(s.ctx, hint, now)
	// 解析期间通话可能已被状态回调结束, 联系人状态以收尾时写入的为准
	if !s.IsActive() {
		s.logger().Infof("改约解析返回时通话已结束, 丢弃结果")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.EndTimeout)
	defer cancel()

	if at == nil {
		s.logger().Warnf("无法解析改约时间: %q", hint)
		retry := now.Add(s.config.RescheduleFallback)
		if err := s.deps.Store.RequeueContact(ctx, s.contact.ID, retry); err != nil {
			s.logger().Errorf("联系人重新排队失败: %v", err)
			return
		}
		s.markContactUpdated()
		return
	}

	cb := &model.Callback{
		ID:         uuid.NewString(),
		ContactID:  s.contact.ID,
		CampaignID: s.campaign.ID,
		DueAt:      *at,
		Status:     model.CallbackStatusPending,
		CreatedAt:  now,
	}
	if err := s.deps.Store.CreateCallback(ctx, cb); err != nil {
		s.logger().Errorf("创建回拨失败: %v", err)
		return
	}
	if err := s.deps.Store.ScheduleContact(ctx, s.contact.ID, *at); err != nil {
		s.logger().Errorf("更新联系人改约时间失败: %v", err)
		return
	}
	s.markContactUpdated()
	s.logger().Infof("已改约到 %s", at.Format(time.RFC3339))
}

func (s *Session) markContactUpdated() {
	s.mu.Lock()
	s.contactUpdated = true
	s.mu.Unlock()
}

// transfer 返回是否已转接; 不支持或未配置号码时只记录日志
func (s *Session) transfer() bool {
	callID := s.ProviderCallID()
	if callID == "" || s.deps.Telephony == nil {
		s.logger().Warn("无运营商通话 id, 跳过转接")
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.EndTimeout)
	defer cancel()
	err := telephony.Transfer(ctx, s.deps.Telephony, callID, s.campaign.Persona.TransferNumber)
	switch {
	case err == nil:
		s.logger().Infof("已转接到 %s", s.campaign.Persona.TransferNumber)
		return true
	case errors.Is(err, telephony.ErrTransferUnsupported), errors.Is(err, telephony.ErrNoTransferNumber):
		s.logger().Infof("跳过转接: %v", err)
	default:
		s.logger().Errorf("转接失败: %v", err)
	}
	return false
}

func (s *Session) systemPrompt() string {
	var b strings.Builder
	persona := s.campaign.Persona
	if persona.SystemPrompt != "" {
		b.WriteString(persona.SystemPrompt)
		b.WriteString("\n\n")
	}
	if persona.Name != "" {
		fmt.Fprintf(&b, "You are %s, an agent making an outbound phone call.\n", persona.Name)
	}
	if s.contact.Name != "" {
		fmt.Fprintf(&b, "You are speaking with %s.\n", s.contact.Name)
	}
	if len(s.campaign.Languages) > 0 {
		fmt.Fprintf(&b, "Supported languages in priority order: %s. Reply in the caller's language.\n",
			strings.Join(s.campaign.Languages, ", "))
	}
	if len(s.contact.Variables) > 0 {
		keys := make([]string, 0, len(s.contact.Variables))
		for k := range s.contact.Variables {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Known details about the contact:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, s.contact.Variables[k])
		}
	}
	return strings.TrimSpace(b.String())
}

func (s *Session) onMaxDuration() {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("会话 %s 超时处理 panic: %v, stack: %s", s.id, r, string(debug.Stack()))
		}
	}()
	if !s.IsActive() {
		return
	}
	s.logger().Infof("通话超过最大时长 %s", s.config.MaxDuration)
	s.finish(model.OutcomeCompleted, true)
}

// EndCall 外部终止 (运营商状态回调), 不再挂断电话. 可重复调用, 只有第一次生效
func (s *Session) EndCall(outcome model.Outcome) bool {
	return s.finish(outcome, false)
}

// Discard 拨号失败时释放会话, 不产生任何持久化副作用
func (s *Session) Discard() {
	if !s.isActive.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	s.state = StateEnded
	s.mu.Unlock()
	s.release()
}

// finish 结束通话. 在任何 I/O 之前用 CAS 翻转 isActive, 保证副作用只发生一次
func (s *Session) finish(outcome model.Outcome, hangup bool) bool {
	if !s.isActive.CompareAndSwap(true, false) {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("会话 %s EndCall panic: %v, stack: %s", s.id, r, string(debug.Stack()))
		}
		if s.deps.Registry != nil {
			s.deps.Registry.Remove(s.id)
		}
	}()

	now := time.Now()
	s.mu.Lock()
	s.state = StateEnded
	if s.maxTimer != nil {
		s.maxTimer.Stop()
	}
	contactUpdated := s.contactUpdated
	answeredAt := s.answeredAt
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.EndTimeout)
	defer cancel()

	rec := s.record()
	rec.Outcome = outcome
	rec.EndedAt = &now
	if !answeredAt.IsZero() {
		rec.DurationSec = int(now.Sub(answeredAt).Seconds())
	}
	entry := s.logger()

	if err := s.deps.Store.SaveCallRecord(ctx, rec); err != nil {
		entry.Errorf("保存通话记录失败: %v", err)
	}
	if !contactUpdated {
		if err := s.deps.Store.UpdateContactStatus(ctx, s.contact.ID, outcome.ContactStatus()); err != nil {
			entry.Errorf("更新联系人状态失败: %v", err)
		}
	}
	if err := s.deps.Store.IncrementCampaignCounters(ctx, s.campaign.ID, outcome); err != nil {
		entry.Errorf("更新活动计数失败: %v", err)
	}
	if s.deps.Exporter != nil {
		if err := s.deps.Exporter.Export(ctx, rec); err != nil {
			entry.Warnf("导出通话结果失败: %v", err)
		}
	}
	CheckCampaignCompletion(ctx, s.deps.Store, s.campaign.ID)

	s.release()

	if hangup && s.deps.Telephony != nil {
		if callID := rec.ProviderCallID; callID != "" {
			if err := s.deps.Telephony.Hangup(ctx, callID); err != nil {
				entry.Debugf("挂断失败: %v", err)
			}
		}
	}
	entry.Infof("通话结束, outcome: %s, duration: %ds, turns: %d", outcome, rec.DurationSec, len(rec.Transcript))
	return true
}

// release 释放识别器, VAD 与事件循环
func (s *Session) release() {
	s.mu.Lock()
	recognizer, detector := s.recognizer, s.detector
	s.mu.Unlock()
	if detector != nil {
		detector.Close()
	}
	if recognizer != nil {
		recognizer.Close()
	}
	s.events.Close()
	s.cancel()
}

// Done 事件循环退出后关闭, 未启动的会话永远不会关闭
func (s *Session) Done() <-chan struct{} {
	return s.loopDone
}
