package funasr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer 收到第一段音频后回一条中间结果和一条最终结果
func fakeServer(t *testing.T) (*httptest.Server, chan FunasrRequest) {
	upgrader := websocket.Upgrader{}
	firstMsg := make(chan FunasrRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req FunasrRequest
		_ = json.Unmarshal(data, &req)
		firstMsg <- req

		msgType, _, err := conn.ReadMessage()
		if err != nil || msgType != websocket.BinaryMessage {
			return
		}
		_ = conn.WriteJSON(FunasrResponse{Text: "hel", Mode: "2pass-online"})
		_ = conn.WriteJSON(FunasrResponse{Text: " hello there ", Mode: "2pass-offline"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return srv, firstMsg
}

func newTestFunasr(t *testing.T, srv *httptest.Server) *Funasr {
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return NewFunasr("funasr", FunasrConfig{Host: u.Hostname(), Port: u.Port()})
}

func TestStreamDeliversInterimAndFinal(t *testing.T) {
	srv, firstMsg := fakeServer(t)
	defer srv.Close()

	f := newTestFunasr(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := f.Open(ctx, "en")
	require.NoError(t, err)
	defer s.Close()

	req := <-firstMsg
	assert.Equal(t, "2pass", req.Mode)
	assert.Equal(t, 8000, req.AudioFs)
	assert.True(t, req.IsSpeaking)

	require.NoError(t, s.Send(make([]byte, 320)))

	var got []bool
	var finalText string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case r := <-s.Results():
			require.NoError(t, r.Err)
			got = append(got, r.IsFinal)
			if r.IsFinal {
				finalText = r.Text
				assert.Equal(t, "en", r.Language)
			}
		case <-timeout:
			t.Fatal("no results")
		}
	}
	assert.Equal(t, []bool{false, true}, got)
	assert.Equal(t, "hello there", finalText)
}

func TestServerDropSurfacesError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = conn.ReadMessage()
		conn.Close()
	}))
	defer srv.Close()

	s, err := newTestFunasr(t, srv).Open(context.Background(), "en")
	require.NoError(t, err)
	defer s.Close()

	select {
	case r, ok := <-s.Results():
		require.True(t, ok)
		assert.Error(t, r.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected error result")
	}
}

func TestOpenFailsWhenUnreachable(t *testing.T) {
	f := NewFunasr("funasr", FunasrConfig{Host: "127.0.0.1", Port: "1"})
	_, err := f.Open(context.Background(), "en")
	assert.Error(t, err)
}

func TestSendAfterCloseFails(t *testing.T) {
	srv, _ := fakeServer(t)
	defer srv.Close()
	s, err := newTestFunasr(t, srv).Open(context.Background(), "en")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Error(t, s.Send([]byte{0, 0}))
}
