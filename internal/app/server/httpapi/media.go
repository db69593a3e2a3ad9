package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"outbound-call-server-golang/internal/domain/audio"
)

var ErrStreamClosed = errors.New("media stream closed")

const writeWait = 5 * time.Second

// Twilio Media Streams 消息
type streamMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
}

type startPayload struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      mediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

// mediaConn 一条媒体流连接, 作为会话的播放通道
type mediaConn struct {
	ws        *websocket.Conn
	processor *audio.AudioProcesser

	writeMu   sync.Mutex
	mu        sync.RWMutex
	streamSID string
	closed    bool
	closeOnce sync.Once
}

func newMediaConn(ws *websocket.Conn, processor *audio.AudioProcesser) *mediaConn {
	return &mediaConn{ws: ws, processor: processor}
}

func (c *mediaConn) setStreamSID(sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamSID = sid
}

func (c *mediaConn) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.streamSID != ""
}

// WriteAudio PCM 编码为 μ-law 后按帧发送
func (c *mediaConn) WriteAudio(pcm []byte) error {
	c.mu.RLock()
	sid, closed := c.streamSID, c.closed
	c.mu.RUnlock()
	if closed || sid == "" {
		return ErrStreamClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, frame := range c.processor.Frames(pcm) {
		msg := streamMessage{
			Event:     "media",
			StreamSID: sid,
			Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(c.processor.Encode(frame))},
		}
		if err := c.writeJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *mediaConn) writeJSON(msg streamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *mediaConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func decodeMedia(processor *audio.AudioProcesser, payload string) ([]byte, error) {
	mulaw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, err
	}
	return processor.Decode(mulaw), nil
}

func parseMessage(data []byte) (*streamMessage, error) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
