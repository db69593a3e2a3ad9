package tts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-call-server-golang/internal/domain/fallback"
	"outbound-call-server-golang/internal/domain/tts/common"
)

type fakeTTS struct {
	name   string
	fail   map[string]bool
	mu     sync.Mutex
	calls  []string
	onCall func(text string)
}

func (f *fakeTTS) Name() string { return f.name }

func (f *fakeTTS) TextToSpeech(ctx context.Context, text, language string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(text)
	}
	if f.fail[text] || f.fail["*"] {
		return nil, errors.New("synthesis failed")
	}
	return []byte(language + ":" + text), nil
}

func (f *fakeTTS) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeChannel struct {
	mu      sync.Mutex
	open    bool
	written [][]byte
	// closeAfter 写入指定句数后关闭
	closeAfter int
}

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeChannel) WriteAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, pcm)
	if c.closeAfter > 0 && len(c.written) >= c.closeAfter {
		c.open = false
	}
	return nil
}

func newGateway(t *testing.T, size int, providers ...common.TTSProvider) *Gateway {
	chain, err := fallback.NewChain("tts", time.Second, providers...)
	require.NoError(t, err)
	return NewGateway(chain, size)
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Hello. How are you?", []string{"Hello.", "How are you?"}},
		{"Wait!! Really?!", []string{"Wait!!", "Really?!"}},
		{"你好。请问您现在方便吗？", []string{"你好。", "请问您现在方便吗？"}},
		{"line one\nline two", []string{"line one", "line two"}},
		{"no terminator", []string{"no terminator"}},
		{"  ", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SplitSentences(tt.in), tt.in)
	}
}

func TestSpeakWritesEverySegment(t *testing.T) {
	p := &fakeTTS{name: "edge"}
	ch := &fakeChannel{open: true}
	n := newGateway(t, 10, p).Speak(context.Background(), "Hello. How are you?", "en", ch)

	assert.Equal(t, 2, n)
	assert.Equal(t, [][]byte{[]byte("en:Hello."), []byte("en:How are you?")}, ch.written)
}

func TestSpeakStopsWhenChannelClosesAfterFirstSegment(t *testing.T) {
	p := &fakeTTS{name: "edge"}
	ch := &fakeChannel{open: true, closeAfter: 1}
	n := newGateway(t, 10, p).Speak(context.Background(), "Hello. How are you?", "en", ch)

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"Hello."}, p.requested())
}

func TestSpeakChecksChannelBeforeWriting(t *testing.T) {
	ch := &fakeChannel{open: true}
	// 合成期间通道被关闭
	p := &fakeTTS{name: "edge", onCall: func(string) {
		ch.mu.Lock()
		ch.open = false
		ch.mu.Unlock()
	}}
	n := newGateway(t, 10, p).Speak(context.Background(), "Hello.", "en", ch)
	assert.Equal(t, 0, n)
	assert.Empty(t, ch.written)
}

func TestSpeakClosedChannelDoesNothing(t *testing.T) {
	p := &fakeTTS{name: "edge"}
	n := newGateway(t, 10, p).Speak(context.Background(), "Hello.", "en", &fakeChannel{})
	assert.Equal(t, 0, n)
	assert.Empty(t, p.requested())
}

func TestSpeakFallsBackThenSkipsSegment(t *testing.T) {
	primary := &fakeTTS{name: "edge", fail: map[string]bool{"*": true}}
	secondary := &fakeTTS{name: "cosyvoice", fail: map[string]bool{"Broken.": true}}
	ch := &fakeChannel{open: true}

	n := newGateway(t, 10, primary, secondary).Speak(context.Background(), "One. Broken. Three.", "en", ch)
	assert.Equal(t, 2, n)
	assert.Equal(t, [][]byte{[]byte("en:One."), []byte("en:Three.")}, ch.written)
	assert.Equal(t, []string{"One.", "Broken.", "Three."}, primary.requested())
}

func TestSynthesizeCachesByLanguageAndText(t *testing.T) {
	p := &fakeTTS{name: "edge"}
	g := newGateway(t, 10, p)
	ctx := context.Background()

	_, err := g.Synthesize(ctx, "Hello.", "en")
	require.NoError(t, err)
	_, err = g.Synthesize(ctx, "Hello.", "en")
	require.NoError(t, err)
	_, err = g.Synthesize(ctx, "Hello.", "es")
	require.NoError(t, err)

	assert.Equal(t, []string{"Hello.", "Hello."}, p.requested())
}

func TestCacheEvictsOldest(t *testing.T) {
	c := newAudioCache(2)
	c.put("a", []byte("1"))
	c.put("b", []byte("2"))
	c.put("c", []byte("3"))
	_, ok := c.get("a")
	assert.False(t, ok)
	_, ok = c.get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.len())
}

func TestVoiceFor(t *testing.T) {
	voices := map[string]string{"es": "es-voice", "en-GB": "gb-voice"}
	assert.Equal(t, "es-voice", common.VoiceFor(voices, "es-MX", "def"))
	assert.Equal(t, "gb-voice", common.VoiceFor(voices, "en-GB", "def"))
	assert.Equal(t, "def", common.VoiceFor(voices, "fr", "def"))
}

func TestGetTTSProvider(t *testing.T) {
	p, err := GetTTSProvider("edge", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "edge", p.Name())

	p, err = GetTTSProvider("backup", map[string]interface{}{"type": "cosyvoice"})
	require.NoError(t, err)
	assert.Equal(t, "backup", p.Name())

	_, err = GetTTSProvider("doubao", map[string]interface{}{})
	assert.Error(t, err)
}
