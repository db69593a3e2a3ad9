package twilio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-call-server-golang/internal/data/model"
	"outbound-call-server-golang/internal/domain/telephony"
)

func newProvider(t *testing.T, apiURL string) (*Provider, *telephony.TokenManager) {
	tokens, err := telephony.NewTokenManager("secret", "", time.Minute)
	require.NoError(t, err)
	p, err := New(Config{
		AccountSID: "AC123",
		AuthToken:  "tok",
		BaseURL:    apiURL,
		CallerID:   "+15550000",
		PublicURL:  "https://calls.example.com",
	}, tokens)
	require.NoError(t, err)
	return p, tokens
}

func TestDial(t *testing.T) {
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Accounts/AC123/Calls.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "tok", pass)
		_ = r.ParseForm()
		form = r.PostForm
		_, _ = w.Write([]byte(`{"sid":"CA999","status":"queued"}`))
	}))
	defer srv.Close()

	p, tokens := newProvider(t, srv.URL)
	sid, err := p.Dial(context.Background(), telephony.DialRequest{To: "+15551234", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, "CA999", sid)

	assert.Equal(t, "+15551234", form["To"][0])
	assert.Equal(t, "+15550000", form["From"][0])
	assert.Equal(t, "https://calls.example.com/webhooks/status?session_id=sess-1", form["StatusCallback"][0])
	assert.Contains(t, form["StatusCallbackEvent"], "completed")

	twiml := form["Twiml"][0]
	assert.Contains(t, twiml, `<Parameter name="session_id" value="sess-1"/>`)
	start := strings.Index(twiml, "wss://calls.example.com/media/")
	require.GreaterOrEqual(t, start, 0)
	rest := twiml[start+len("wss://calls.example.com/media/"):]
	token := rest[:strings.Index(rest, `"`)]
	id, err := tokens.Verify(token, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)
}

func TestDialAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number","status":400}`))
	}))
	defer srv.Close()

	p, _ := newProvider(t, srv.URL)
	_, err := p.Dial(context.Background(), telephony.DialRequest{To: "bad", SessionID: "s"})
	require.Error(t, err)
	var apiErr *Error
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 21211, apiErr.Code)
}

func TestTransferAndHangup(t *testing.T) {
	var forms []map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Accounts/AC123/Calls/CA1.json", r.URL.Path)
		_ = r.ParseForm()
		forms = append(forms, r.PostForm)
		_, _ = w.Write([]byte(`{"sid":"CA1"}`))
	}))
	defer srv.Close()

	p, _ := newProvider(t, srv.URL)
	require.NoError(t, telephony.Transfer(context.Background(), p, "CA1", "+15557777"))
	require.NoError(t, p.Hangup(context.Background(), "CA1"))

	require.Len(t, forms, 2)
	assert.Contains(t, forms[0]["Twiml"][0], "<Dial>+15557777</Dial>")
	assert.Equal(t, "completed", forms[1]["Status"][0])
}

func TestMapCallStatus(t *testing.T) {
	o, terminal := MapCallStatus("no-answer")
	assert.True(t, terminal)
	assert.Equal(t, model.OutcomeNoAnswer, o)

	o, terminal = MapCallStatus("canceled")
	assert.True(t, terminal)
	assert.Equal(t, model.OutcomeFailed, o)

	_, terminal = MapCallStatus("in-progress")
	assert.False(t, terminal)
}

func TestNewValidatesConfig(t *testing.T) {
	tokens, _ := telephony.NewTokenManager("s", "", time.Minute)
	_, err := New(Config{AccountSID: "AC", AuthToken: "t", PublicURL: "not a url"}, tokens)
	assert.Error(t, err)
	_, err = New(Config{AuthToken: "t", PublicURL: "https://x"}, tokens)
	assert.Error(t, err)
}
