package whisper

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "es", r.FormValue("language"))

		f, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		head := make([]byte, 4)
		_, _ = io.ReadFull(f, head)
		assert.Equal(t, "RIFF", string(head))

		_, _ = w.Write([]byte(`{"text":" hola, buenos días ","language":"spanish"}`))
	}))
	defer srv.Close()

	w := NewWhisper("whisper", WhisperConfig{BaseURL: srv.URL + "/v1", APIKey: "key"})
	got, err := w.Transcribe(context.Background(), make([]byte, 16000), "es-MX")
	require.NoError(t, err)
	assert.Equal(t, "hola, buenos días", got.Text)
	assert.Equal(t, "es", got.Language)
}

func TestTranscribeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	w := NewWhisper("whisper", WhisperConfig{BaseURL: srv.URL})
	_, err := w.Transcribe(context.Background(), make([]byte, 1600), "")
	assert.Error(t, err)
}

func TestTranscribeMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	w := NewWhisper("whisper", WhisperConfig{BaseURL: srv.URL})
	_, err := w.Transcribe(context.Background(), make([]byte, 1600), "en")
	assert.Error(t, err)
}
