package telephony

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dialOnly struct{}

func (dialOnly) Name() string { return "dial-only" }
func (dialOnly) Dial(ctx context.Context, req DialRequest) (string, error) {
	return "CA1", nil
}
func (dialOnly) Hangup(ctx context.Context, callID string) error { return nil }

type withTransfer struct {
	dialOnly
	to string
}

func (w *withTransfer) Transfer(ctx context.Context, callID, to string) error {
	w.to = to
	return nil
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	assert.ErrorIs(t, Transfer(ctx, dialOnly{}, "CA1", "+15550001"), ErrTransferUnsupported)
	assert.ErrorIs(t, Transfer(ctx, &withTransfer{}, "CA1", ""), ErrNoTransferNumber)

	p := &withTransfer{}
	require.NoError(t, Transfer(ctx, p, "CA1", "+15550001"))
	assert.Equal(t, "+15550001", p.to)
}

func TestTokenRoundTrip(t *testing.T) {
	m, err := NewTokenManager("secret", "outbound", time.Minute)
	require.NoError(t, err)
	now := time.Now()

	token, err := m.Issue("session-1", now)
	require.NoError(t, err)

	id, err := m.Verify(token, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "session-1", id)

	_, err = m.Verify(token, now.Add(2*time.Minute))
	assert.Error(t, err, "expired")

	other, _ := NewTokenManager("other-secret", "outbound", time.Minute)
	_, err = other.Verify(token, now)
	assert.Error(t, err, "wrong secret")

	_, err = NewTokenManager("", "", 0)
	assert.Error(t, err)
}
