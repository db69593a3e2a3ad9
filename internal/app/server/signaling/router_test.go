package signaling

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-call-server-golang/internal/app/server/session"
	"outbound-call-server-golang/internal/data/model"
	"outbound-call-server-golang/internal/domain/store"
	"outbound-call-server-golang/internal/domain/store/memory"
)

func setup() (*Router, *memory.Store, *session.Deps) {
	st := memory.New()
	st.PutCampaign(model.Campaign{ID: "k", Status: model.CampaignStatusActive})
	st.PutContact(model.Contact{ID: "c1", CampaignID: "k", Status: model.ContactStatusCalling})
	st.PutContact(model.Contact{ID: "c2", CampaignID: "k"})
	deps := &session.Deps{Store: st, Registry: session.NewRegistry()}
	return NewRouter(session.Config{}, deps), st, deps
}

func TestTerminateLiveSession(t *testing.T) {
	r, st, deps := setup()
	c, _ := st.GetContact(context.Background(), "c1")
	camp, _ := st.GetCampaign(context.Background(), "k")
	s := session.New("s1", *c, *camp, session.Config{}, deps)
	deps.Registry.Add(s)

	ended, err := r.Terminate(context.Background(), "s1", "CA1", model.OutcomeNoAnswer)
	require.NoError(t, err)
	assert.True(t, ended)
	assert.False(t, s.IsActive())

	ended, err = r.Terminate(context.Background(), "s1", "CA1", model.OutcomeCompleted)
	require.NoError(t, err)
	assert.False(t, ended)

	rec, _ := st.GetCallRecord(context.Background(), "s1")
	assert.Equal(t, model.OutcomeNoAnswer, rec.Outcome)
	contact, _ := st.GetContact(context.Background(), "c1")
	assert.Equal(t, model.ContactStatusNoAnswer, contact.Status)
}

func TestTerminateWithoutSessionUpdatesStore(t *testing.T) {
	r, st, _ := setup()
	ctx := context.Background()
	require.NoError(t, st.SaveCallRecord(ctx, &model.CallRecord{SessionID: "s2", ContactID: "c1", CampaignID: "k", ProviderCallID: "CA2"}))

	ended, err := r.Terminate(ctx, "", "CA2", model.OutcomeBusy)
	require.NoError(t, err)
	assert.True(t, ended)

	rec, _ := st.GetCallRecord(ctx, "s2")
	assert.Equal(t, model.OutcomeBusy, rec.Outcome)
	require.NotNil(t, rec.EndedAt)
	contact, _ := st.GetContact(ctx, "c1")
	assert.Equal(t, model.ContactStatusBusy, contact.Status)
	camp, _ := st.GetCampaign(ctx, "k")
	assert.Equal(t, 1, camp.Counters.Failed)

	ended, err = r.Terminate(ctx, "s2", "CA2", model.OutcomeCompleted)
	require.NoError(t, err)
	assert.False(t, ended)
	camp, _ = st.GetCampaign(ctx, "k")
	assert.Equal(t, 1, camp.Counters.Total)
}

func TestTerminateUnknownCall(t *testing.T) {
	r, _, _ := setup()
	_, err := r.Terminate(context.Background(), "nope", "", model.OutcomeCompleted)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAttachRecoversSession(t *testing.T) {
	r, st, deps := setup()
	ctx := context.Background()
	require.NoError(t, st.SaveCallRecord(ctx, &model.CallRecord{SessionID: "s3", ContactID: "c2", CampaignID: "k", ProviderCallID: "CA3"}))

	s, err := r.Attach(ctx, "s3")
	require.NoError(t, err)
	assert.Equal(t, "CA3", s.ProviderCallID())
	again, err := r.Attach(ctx, "s3")
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Equal(t, 1, deps.Registry.ActiveCount())

	_, err = r.Attach(ctx, "missing")
	assert.Error(t, err)
}
