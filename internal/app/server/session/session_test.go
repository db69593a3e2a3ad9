package session

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-call-server-golang/internal/data/model"
	"outbound-call-server-golang/internal/domain/asr"
	"outbound-call-server-golang/internal/domain/store/memory"
	"outbound-call-server-golang/internal/domain/telephony"
	"outbound-call-server-golang/internal/domain/tts"
	"outbound-call-server-golang/internal/domain/vad"
)

type fakeRecognizer struct {
	mu       sync.Mutex
	sink     asr.Sink
	language string
	writes   int
	silences int
	closed   bool
}

func (r *fakeRecognizer) Mode() string { return "batch" }
func (r *fakeRecognizer) Write(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
}
func (r *fakeRecognizer) OnSilence(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.silences++
}
func (r *fakeRecognizer) SetLanguage(language string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.language = language
}
func (r *fakeRecognizer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
func (r *fakeRecognizer) counts() (writes, silences int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes, r.silences
}

type fakeRecognizers struct {
	mu   sync.Mutex
	last *fakeRecognizer
}

func (f *fakeRecognizers) NewRecognizer(ctx context.Context, language string, sink asr.Sink) asr.Recognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = &fakeRecognizer{sink: sink, language: language}
	return f.last
}

func (f *fakeRecognizers) current() *fakeRecognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeDecider struct {
	mu       sync.Mutex
	decision model.Decision
	schedule *time.Time
	calls    int
	called   chan struct{}
	block    chan struct{}
	// parseCalled / parseBlock 控制 ParseNaturalSchedule 的返回时机
	parseCalled chan struct{}
	parseBlock  chan struct{}
}

func (d *fakeDecider) GetResponse(ctx context.Context, systemPrompt string, history []model.Turn, utterance string) model.Decision {
	d.mu.Lock()
	d.calls++
	decision, called, block := d.decision, d.called, d.block
	d.mu.Unlock()
	if called != nil {
		close(called)
	}
	if block != nil {
		<-block
	}
	return decision
}

func (d *fakeDecider) ParseNaturalSchedule(ctx context.Context, text string, now time.Time) *time.Time {
	d.mu.Lock()
	schedule, called, block := d.schedule, d.parseCalled, d.parseBlock
	d.mu.Unlock()
	if called != nil {
		close(called)
	}
	if block != nil {
		<-block
	}
	return schedule
}

type fakeSpeaker struct {
	mu    sync.Mutex
	texts []string
}

func (s *fakeSpeaker) Speak(ctx context.Context, text, language string, ch tts.Channel) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return 1
}

func (s *fakeSpeaker) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type fakeTelephony struct {
	mu      sync.Mutex
	hangups []string
}

func (t *fakeTelephony) Name() string { return "fake" }
func (t *fakeTelephony) Dial(ctx context.Context, req telephony.DialRequest) (string, error) {
	return "CA1", nil
}
func (t *fakeTelephony) Hangup(ctx context.Context, callID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hangups = append(t.hangups, callID)
	return nil
}
func (t *fakeTelephony) hungUp() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.hangups...)
}

type transferTelephony struct {
	fakeTelephony
	transfers []string
}

func (t *transferTelephony) Transfer(ctx context.Context, callID, to string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transfers = append(t.transfers, callID+"->"+to)
	return nil
}

type fakeExporter struct {
	n atomic.Int32
}

func (e *fakeExporter) Export(ctx context.Context, rec *model.CallRecord) error {
	e.n.Add(1)
	return nil
}
func (e *fakeExporter) Close() error { return nil }

type fakeChannel struct{}

func (fakeChannel) IsOpen() bool                { return true }
func (fakeChannel) WriteAudio(pcm []byte) error { return nil }

type harness struct {
	store       *memory.Store
	recognizers *fakeRecognizers
	decider     *fakeDecider
	speaker     *fakeSpeaker
	exporter    *fakeExporter
	deps        *Deps
	campaign    model.Campaign
	contact     model.Contact
}

func newHarness(tel telephony.Provider) *harness {
	h := &harness{
		store:       memory.New(),
		recognizers: &fakeRecognizers{},
		decider:     &fakeDecider{decision: model.Decision{Reply: "Sure.", Action: model.ActionContinue}},
		speaker:     &fakeSpeaker{},
		exporter:    &fakeExporter{},
		campaign: model.Campaign{
			ID:             "camp-1",
			Status:         model.CampaignStatusActive,
			MaxConcurrency: 3,
			Languages:      []string{"en"},
			Persona:        model.Persona{Name: "Ava", TransferNumber: "+15557777"},
		},
		contact: model.Contact{ID: "contact-1", CampaignID: "camp-1", Phone: "+15551234", Name: "Sam"},
	}
	h.store.PutCampaign(h.campaign)
	h.store.PutContact(h.contact)
	h.deps = &Deps{
		Store:       h.store,
		Telephony:   tel,
		Recognizers: h.recognizers,
		Decider:     h.decider,
		Speaker:     h.speaker,
		Exporter:    h.exporter,
		Registry:    NewRegistry(),
	}
	return h
}

func (h *harness) newSession(t *testing.T, cfg Config) *Session {
	s := New("sess-1", h.contact, h.campaign, cfg, h.deps)
	require.True(t, h.deps.Registry.Add(s))
	require.NoError(t, s.MarkDialed(context.Background(), "CA1"))
	return s
}

func (h *harness) start(t *testing.T, cfg Config) *Session {
	s := h.newSession(t, cfg)
	require.NoError(t, s.Start(context.Background(), fakeChannel{}))
	require.Equal(t, StateListening, s.State())
	return s
}

func (h *harness) say(text string) {
	h.recognizers.current().sink.OnTranscript(text, "en")
}

func waitEnded(t *testing.T, s *Session) {
	require.Eventually(t, func() bool { return !s.IsActive() }, 2*time.Second, 5*time.Millisecond)
}

func tone(samples int, amplitude int16) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amplitude))
	}
	return buf
}

func TestStartSpeaksGreetingAndListens(t *testing.T) {
	h := newHarness(&fakeTelephony{})
	h.campaign.Languages = []string{"es", "en"}
	h.campaign.Persona.Greetings = map[string]string{"es": "Hola {name}, soy {persona}."}

	s := h.start(t, Config{})
	assert.Equal(t, []string{"Hola Sam, soy Ava."}, h.speaker.spoken())
	assert.Equal(t, "es", s.Language())
	assert.Equal(t, []model.Turn{{Role: model.RoleAssistant, Content: "Hola Sam, soy Ava."}}, s.Transcript())

	rec, err := h.store.GetCallRecord(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "CA1", rec.ProviderCallID)
	assert.Empty(t, rec.Outcome)
}

func TestStopCallingOverridesContinueWithDNC(t *testing.T) {
	tel := &fakeTelephony{}
	h := newHarness(tel)
	s := h.start(t, Config{})

	h.say("Please stop calling me")
	waitEnded(t, s)

	rec, err := h.store.GetCallRecord(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDNC, rec.Outcome)
	require.NotNil(t, rec.EndedAt)

	contact, err := h.store.GetContact(context.Background(), "contact-1")
	require.NoError(t, err)
	assert.True(t, contact.DoNotCall)
	assert.Equal(t, model.ContactStatusDNC, contact.Status)

	camp, _ := h.store.GetCampaign(context.Background(), "camp-1")
	assert.Equal(t, 1, camp.Counters.DNC)
	assert.Equal(t, []string{"CA1"}, tel.hungUp())
	_, ok := h.deps.Registry.Get("sess-1")
	assert.False(t, ok)
}

func TestStopCallingOverridesEndWithDNC(t *testing.T) {
	h := newHarness(&fakeTelephony{})
	h.decider.decision = model.Decision{Reply: "Goodbye.", Action: model.ActionEnd}
	s := h.start(t, Config{})

	h.say("Please stop calling me")
	waitEnded(t, s)

	rec, err := h.store.GetCallRecord(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDNC, rec.Outcome)
	contact, err := h.store.GetContact(context.Background(), "contact-1")
	require.NoError(t, err)
	assert.True(t, contact.DoNotCall)
	assert.Equal(t, model.ContactStatusDNC, contact.Status)
}

func TestEndCallSideEffectsOnce(t *testing.T) {
	h := newHarness(&fakeTelephony{})
	s := h.start(t, Config{})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.EndCall(model.OutcomeCompleted) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), h.exporter.n.Load())
	camp, _ := h.store.GetCampaign(context.Background(), "camp-1")
	assert.Equal(t, 1, camp.Counters.Total)
	assert.Equal(t, model.CampaignStatusCompleted, camp.Status)
	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, 0, h.deps.Registry.ActiveCount())
	assert.True(t, h.recognizers.current().closed)
}

func TestContinueKeepsListeningAndMergesData(t *testing.T) {
	h := newHarness(&fakeTelephony{})
	h.decider.decision = model.Decision{
		Reply:         "Great, noted.",
		Action:        model.ActionContinue,
		Language:      "fr",
		CollectedData: map[string]any{"interested": true},
	}
	s := h.start(t, Config{})

	h.say("yes I am interested")
	require.Eventually(t, func() bool { return len(h.speaker.spoken()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.State() == StateListening }, time.Second, 5*time.Millisecond)

	assert.True(t, s.IsActive())
	assert.Equal(t, "fr", s.Language())
	assert.Equal(t, "fr", h.recognizers.current().language)
	assert.Equal(t, true, s.CollectedData()["interested"])
	turns := s.Transcript()
	require.Len(t, turns, 3)
	assert.Equal(t, model.Turn{Role: model.RoleUser, Content: "yes I am interested"}, turns[1])
	assert.Equal(t, model.Turn{Role: model.RoleAssistant, Content: "Great, noted."}, turns[2])
}

func TestRescheduleCreatesCallback(t *testing.T) {
	h := newHarness(&fakeTelephony{})
	at := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	h.decider.decision = model.Decision{Reply: "I'll call back.", Action: model.ActionReschedule, RescheduleHint: "day after tomorrow"}
	h.decider.schedule = &at
	s := h.start(t, Config{})

	h.say("call me the day after tomorrow")
	waitEnded(t, s)

	cbs := h.store.Callbacks()
	require.Len(t, cbs, 1)
	assert.True(t, cbs[0].DueAt.Equal(at))
	assert.Equal(t, "contact-1", cbs[0].ContactID)

	contact, _ := h.store.GetContact(context.Background(), "contact-1")
	assert.Equal(t, model.ContactStatusScheduled, contact.Status)
	require.NotNil(t, contact.NextCallAt)
	assert.True(t, contact.NextCallAt.Equal(at))

	rec, _ := h.store.GetCallRecord(context.Background(), "sess-1")
	assert.Equal(t, model.OutcomeRescheduled, rec.Outcome)
}

func TestRescheduleAfterExternalEndWritesNothing(t *testing.T) {
	h := newHarness(&fakeTelephony{})
	at := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	h.decider.decision = model.Decision{Reply: "Sure, tomorrow.", Action: model.ActionReschedule, RescheduleHint: "tomorrow"}
	h.decider.schedule = &at
	h.decider.parseCalled = make(chan struct{})
	h.decider.parseBlock = make(chan struct{})
	s := h.start(t, Config{})

	h.say("call me tomorrow")
	<-h.decider.parseCalled
	// 状态回调在解析期间结束了通话
	require.True(t, s.EndCall(model.OutcomeCompleted))
	close(h.decider.parseBlock)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not exit")
	}

	assert.Empty(t, h.store.Callbacks())
	contact, _ := h.store.GetContact(context.Background(), "contact-1")
	assert.Equal(t, model.ContactStatusCompleted, contact.Status)
	assert.Nil(t, contact.NextCallAt)
	rec, _ := h.store.GetCallRecord(context.Background(), "sess-1")
	assert.Equal(t, model.OutcomeCompleted, rec.Outcome)
}

func TestRescheduleUnparsedStillEnds(t *testing.T) {
	h := newHarness(&fakeTelephony{})
	h.decider.decision = model.Decision{Reply: "Okay.", Action: model.ActionReschedule}
	s := h.start(t, Config{RescheduleFallback: time.Hour})

	h.say("some other time maybe")
	waitEnded(t, s)

	assert.Empty(t, h.store.Callbacks())
	contact, _ := h.store.GetContact(context.Background(), "contact-1")
	assert.Equal(t, model.ContactStatusPending, contact.Status)
	require.NotNil(t, contact.NextCallAt)
	assert.True(t, contact.NextCallAt.After(time.Now().Add(50*time.Minute)))

	rec, _ := h.store.GetCallRecord(context.Background(), "sess-1")
	assert.Equal(t, model.OutcomeRescheduled, rec.Outcome)
}

func TestTransferSupported(t *testing.T) {
	tel := &transferTelephony{}
	h := newHarness(tel)
	h.decider.decision = model.Decision{Reply: "Connecting you now.", Action: model.ActionTransfer}
	s := h.start(t, Config{})

	h.say("let me talk to someone")
	waitEnded(t, s)

	assert.Equal(t, []string{"CA1->+15557777"}, tel.transfers)
	assert.Empty(t, tel.hungUp())
	contact, _ := h.store.GetContact(context.Background(), "contact-1")
	assert.Equal(t, model.ContactStatusTransferred, contact.Status)
}

func TestTransferUnsupportedIsNoop(t *testing.T) {
	tel := &fakeTelephony{}
	h := newHarness(tel)
	h.decider.decision = model.Decision{Reply: "One moment.", Action: model.ActionTransfer}
	s := h.start(t, Config{})

	h.say("transfer me")
	waitEnded(t, s)

	rec, _ := h.store.GetCallRecord(context.Background(), "sess-1")
	assert.Equal(t, model.OutcomeTransferred, rec.Outcome)
	assert.Equal(t, []string{"CA1"}, tel.hungUp())
}

func TestLateDecisionAfterEndIsIgnored(t *testing.T) {
	h := newHarness(&fakeTelephony{})
	h.decider.decision = model.Decision{Reply: "too late", Action: model.ActionEnd}
	h.decider.called = make(chan struct{})
	h.decider.block = make(chan struct{})
	s := h.start(t, Config{})

	h.say("hello?")
	<-h.decider.called
	require.True(t, s.EndCall(model.OutcomeNoAnswer))
	close(h.decider.block)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not exit")
	}
	assert.Len(t, h.speaker.spoken(), 1)
	assert.Len(t, s.Transcript(), 2)
	rec, _ := h.store.GetCallRecord(context.Background(), "sess-1")
	assert.Equal(t, model.OutcomeNoAnswer, rec.Outcome)
}

type failingStore struct {
	*memory.Store
	failures atomic.Int32
}

func (f *failingStore) SaveCallRecord(ctx context.Context, rec *model.CallRecord) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("db down")
	}
	return f.Store.SaveCallRecord(ctx, rec)
}

func TestStartFailureEndsCallFailed(t *testing.T) {
	h := newHarness(&fakeTelephony{})
	fs := &failingStore{Store: h.store}
	fs.failures.Store(1)
	h.deps.Store = fs

	s := New("sess-1", h.contact, h.campaign, Config{}, h.deps)
	h.deps.Registry.Add(s)
	err := s.Start(context.Background(), fakeChannel{})
	require.Error(t, err)
	assert.False(t, s.IsActive())

	rec, err := h.store.GetCallRecord(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, rec.Outcome)
	assert.ErrorIs(t, s.Start(context.Background(), fakeChannel{}), ErrSessionEnded)
}

func TestAudioFlowsOnlyWhileListening(t *testing.T) {
	h := newHarness(&fakeTelephony{})
	s := h.newSession(t, Config{VAD: vad.Config{SilenceDuration: 30 * time.Millisecond}})
	s.HandleAudio(tone(160, 8000))

	require.NoError(t, s.Start(context.Background(), fakeChannel{}))
	s.HandleAudio(tone(160, 8000))
	s.HandleAudio(tone(160, 0))

	r := h.recognizers.current()
	require.Eventually(t, func() bool {
		_, silences := r.counts()
		return silences == 1
	}, time.Second, 5*time.Millisecond)
	writes, _ := r.counts()
	assert.Equal(t, 2, writes)

	s.EndCall(model.OutcomeCompleted)
	s.HandleAudio(tone(160, 8000))
	writes, _ = r.counts()
	assert.Equal(t, 2, writes)
}

func TestMaxDurationEndsCall(t *testing.T) {
	tel := &fakeTelephony{}
	h := newHarness(tel)
	s := h.start(t, Config{MaxDuration: 50 * time.Millisecond})
	waitEnded(t, s)

	rec, _ := h.store.GetCallRecord(context.Background(), "sess-1")
	assert.Equal(t, model.OutcomeCompleted, rec.Outcome)
	assert.Equal(t, []string{"CA1"}, tel.hungUp())
}

func TestMediaStopEndsCall(t *testing.T) {
	h := newHarness(&fakeTelephony{})
	s := h.start(t, Config{})
	s.Stop()
	waitEnded(t, s)
	<-s.Done()
}

func TestRecoverFromRecord(t *testing.T) {
	h := newHarness(&fakeTelephony{})
	orig := h.newSession(t, Config{})
	h.deps.Registry.Remove(orig.ID())

	recovered, err := Recover(context.Background(), "sess-1", Config{}, h.deps)
	require.NoError(t, err)
	assert.Equal(t, "CA1", recovered.ProviderCallID())
	assert.Equal(t, "camp-1", recovered.CampaignID())
	got, ok := h.deps.Registry.Get("sess-1")
	require.True(t, ok)
	assert.Same(t, recovered, got)

	recovered.EndCall(model.OutcomeCompleted)
	_, err = Recover(context.Background(), "sess-1", Config{}, h.deps)
	assert.ErrorIs(t, err, ErrSessionEnded)

	_, err = Recover(context.Background(), "missing", Config{}, h.deps)
	assert.Error(t, err)
}

func TestRegistryCounts(t *testing.T) {
	h := newHarness(&fakeTelephony{})
	r := h.deps.Registry
	other := h.campaign
	other.ID = "camp-2"
	r.Add(New("a", h.contact, h.campaign, Config{}, h.deps))
	r.Add(New("b", h.contact, h.campaign, Config{}, h.deps))
	r.Add(New("c", h.contact, other, Config{}, h.deps))
	assert.False(t, r.Add(New("a", h.contact, h.campaign, Config{}, h.deps)))

	assert.Equal(t, 3, r.ActiveCount())
	assert.Equal(t, 2, r.CountByCampaign("camp-1"))
	assert.Equal(t, 1, r.CountByCampaign("camp-2"))
	r.Remove("a")
	assert.Equal(t, 1, r.CountByCampaign("camp-1"))
}
