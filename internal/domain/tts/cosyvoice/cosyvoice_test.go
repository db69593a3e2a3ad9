package cosyvoice

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-call-server-golang/internal/domain/audio"
)

func TestCosyVoiceWAVResponse(t *testing.T) {
	pcm := make([]byte, 3200)
	for i := 0; i < 1600; i++ {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(i%200*50)))
	}
	wavData, err := audio.PCMToWAV(pcm, 16000)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "Hola.", q.Get("tts_text"))
		assert.Equal(t, "spk-es", q.Get("spk_id"))
		assert.Equal(t, "wav", q.Get("audio_format"))
		_, _ = w.Write(wavData)
	}))
	defer srv.Close()

	p := NewCosyVoiceTTSProvider("cosy", map[string]interface{}{
		"api_url":  srv.URL,
		"spk_id":   "spk-default",
		"speakers": map[string]interface{}{"es": "spk-es"},
	})
	out, err := p.TextToSpeech(context.Background(), "Hola.", "es-MX")
	require.NoError(t, err)
	// 16k -> 8k
	assert.InDelta(t, 800, len(out)/2, 20)
}

func TestCosyVoicePCMPassThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "8000", r.URL.Query().Get("target_sr"))
		_, _ = w.Write(make([]byte, 640))
	}))
	defer srv.Close()

	p := NewCosyVoiceTTSProvider("cosy", map[string]interface{}{"api_url": srv.URL, "audio_format": "pcm"})
	out, err := p.TextToSpeech(context.Background(), "Hi.", "en")
	require.NoError(t, err)
	assert.Len(t, out, 640)
}

func TestCosyVoiceHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewCosyVoiceTTSProvider("cosy", map[string]interface{}{"api_url": srv.URL})
	_, err := p.TextToSpeech(context.Background(), "Hi.", "en")
	assert.Error(t, err)
}
