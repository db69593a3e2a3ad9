package twilio

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	"outbound-call-server-golang/constants"
	"outbound-call-server-golang/internal/data/model"
	"outbound-call-server-golang/internal/domain/telephony"
)

// Config PublicURL 为本服务对外可访问的地址, 用于生成媒体流与状态回调地址
type Config struct {
	AccountSID  string
	AuthToken   string
	BaseURL     string
	CallerID    string
	PublicURL   string
	RingTimeout int
}

type Provider struct {
	client    *Client
	tokens    *telephony.TokenManager
	callerID  string
	publicURL *url.URL
	timeout   int
}

var (
	_ telephony.Provider   = (*Provider)(nil)
	_ telephony.Transferer = (*Provider)(nil)
)

func New(cfg Config, tokens *telephony.TokenManager) (*Provider, error) {
	client, err := NewClient(ClientConfig{AccountSID: cfg.AccountSID, AuthToken: cfg.AuthToken, BaseURL: cfg.BaseURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Twilio client: %w", err)
	}
	public, err := url.Parse(strings.TrimRight(cfg.PublicURL, "/"))
	if err != nil || public.Host == "" {
		return nil, fmt.Errorf("server.public_url is invalid: %q", cfg.PublicURL)
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30
	}
	return &Provider{
		client:    client,
		tokens:    tokens,
		callerID:  cfg.CallerID,
		publicURL: public,
		timeout:   cfg.RingTimeout,
	}, nil
}

func (p *Provider) Name() string { return constants.TelephonyTypeTwilio }

// Dial 外呼, 接通后 Twilio 按 TwiML 连接本服务的媒体流
func (p *Provider) Dial(ctx context.Context, req telephony.DialRequest) (string, error) {
	from := req.CallerID
	if from == "" {
		from = p.callerID
	}
	if from == "" {
		return "", fmt.Errorf("caller id is required")
	}

	token, err := p.tokens.Issue(req.SessionID, time.Now())
	if err != nil {
		return "", fmt.Errorf("issue stream token: %w", err)
	}

	call, err := p.client.MakeCall(ctx, &MakeCallParams{
		To:                  req.To,
		From:                from,
		Twiml:               BuildMediaStreamTwiML(p.StreamURL(token), req.SessionID),
		StatusCallback:      p.StatusCallbackURL(req.SessionID),
		StatusCallbackEvent: []string{"initiated", "ringing", "answered", "completed"},
		Timeout:             p.timeout,
	})
	if err != nil {
		return "", fmt.Errorf("failed to make call: %w", err)
	}
	return call.SID, nil
}

// Transfer 用 <Dial> 替换当前 TwiML, 媒体流随之断开
func (p *Provider) Transfer(ctx context.Context, callID, to string) error {
	_, err := p.client.UpdateCall(ctx, callID, &UpdateCallParams{Twiml: BuildTransferTwiML(to)})
	if err != nil {
		return fmt.Errorf("failed to transfer: %w", err)
	}
	return nil
}

func (p *Provider) Hangup(ctx context.Context, callID string) error {
	if _, err := p.client.HangupCall(ctx, callID); err != nil {
		return fmt.Errorf("failed to hangup: %w", err)
	}
	return nil
}

// StreamURL wss://host/media/<token>
func (p *Provider) StreamURL(token string) string {
	u := *p.publicURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/media/" + token
	return u.String()
}

func (p *Provider) StatusCallbackURL(sessionID string) string {
	u := *p.publicURL
	u.Path = strings.TrimRight(u.Path, "/") + "/webhooks/status"
	u.RawQuery = url.Values{"session_id": {sessionID}}.Encode()
	return u.String()
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// BuildMediaStreamTwiML 双向媒体流, session_id 作为自定义参数带回 start 事件
func BuildMediaStreamTwiML(streamURL, sessionID string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="%s">
            <Parameter name="session_id" value="%s"/>
        </Stream>
    </Connect>
</Response>`, xmlEscape(streamURL), xmlEscape(sessionID))
}

func BuildTransferTwiML(to string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Dial>%s</Dial>
</Response>`, xmlEscape(to))
}

// MapCallStatus Twilio CallStatus 映射为通话结果, terminal 为 false 表示通话仍在进行
func MapCallStatus(status string) (outcome model.Outcome, terminal bool) {
	switch status {
	case "completed":
		return model.OutcomeCompleted, true
	case "busy":
		return model.OutcomeBusy, true
	case "no-answer":
		return model.OutcomeNoAnswer, true
	case "failed", "canceled":
		return model.OutcomeFailed, true
	default:
		return "", false
	}
}
