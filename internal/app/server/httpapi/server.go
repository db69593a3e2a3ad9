package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"outbound-call-server-golang/internal/app/server/session"
	"outbound-call-server-golang/internal/app/server/signaling"
	"outbound-call-server-golang/internal/domain/audio"
	"outbound-call-server-golang/internal/domain/store"
	"outbound-call-server-golang/internal/domain/telephony"
	"outbound-call-server-golang/internal/domain/telephony/twilio"
	log "outbound-call-server-golang/logger"
)

type Config struct {
	Host      string
	Port      int
	PublicURL string
	// AuthToken 非空时校验 X-Twilio-Signature
	AuthToken string
	Release   bool
}

type Server struct {
	config    Config
	router    *signaling.Router
	registry  *session.Registry
	tokens    *telephony.TokenManager
	upgrader  websocket.Upgrader
	processor *audio.AudioProcesser
	engine    *gin.Engine
	srv       *http.Server
}

func New(config Config, router *signaling.Router, registry *session.Registry, tokens *telephony.TokenManager, processor *audio.AudioProcesser) *Server {
	if config.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		config:    config,
		router:    router,
		registry:  registry,
		tokens:    tokens,
		processor: processor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.GET("/healthz", s.health)
	r.POST("/webhooks/status", s.statusCallback)
	r.GET("/media/:token", s.mediaStream)
	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// 媒体流是长连接, 只记录普通请求
		if strings.HasPrefix(c.Request.URL.Path, "/media/") {
			return
		}
		log.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// Start 阻塞直到服务关闭
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	log.Infof("HTTP 服务启动在 %s, 媒体流 ws://%s/media/{token}", s.srv.Addr, s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active_sessions": s.registry.ActiveCount()})
}

// statusCallback Twilio 通话状态回调, 终态时结束会话
func (s *Server) statusCallback(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	if s.config.AuthToken != "" {
		fullURL := strings.TrimRight(s.config.PublicURL, "/") + c.Request.URL.RequestURI()
		if !ValidSignature(s.config.AuthToken, fullURL, c.Request.PostForm, c.GetHeader("X-Twilio-Signature")) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
	}

	sessionID := c.Query("session_id")
	callSID := c.Request.PostForm.Get("CallSid")
	status := c.Request.PostForm.Get("CallStatus")
	entry := log.Log("session_id", sessionID)

	outcome, terminal := twilio.MapCallStatus(status)
	if !terminal {
		entry.Debugf("通话 %s 状态 %s", callSID, status)
		c.Status(http.StatusNoContent)
		return
	}

	ended, err := s.router.Terminate(c.Request.Context(), sessionID, callSID, outcome)
	switch {
	case errors.Is(err, store.ErrNotFound):
		entry.Warnf("状态回调找不到通话 %s", callSID)
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown call"})
		return
	case err != nil:
		entry.Errorf("处理状态回调失败: %v", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "termination failed"})
		return
	}
	entry.Infof("通话 %s 状态 %s, outcome: %s, ended: %v", callSID, status, outcome, ended)
	c.Status(http.StatusNoContent)
}

// mediaStream Twilio Media Streams. token 绑定会话 id, start 事件后接入会话
func (s *Server) mediaStream(c *gin.Context) {
	sessionID, err := s.tokens.Verify(c.Param("token"), time.Now())
	if err != nil {
		log.Warnf("媒体流 token 无效: %v", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("websocket upgrade failed: %v", err)
		return
	}
	conn := newMediaConn(ws, s.processor)
	defer conn.Close()

	s.serveMedia(c.Request.Context(), conn, sessionID)
}

func (s *Server) serveMedia(ctx context.Context, conn *mediaConn, sessionID string) {
	entry := log.Log("session_id", sessionID)
	var sess *session.Session
	defer func() {
		if sess != nil {
			sess.Stop()
		}
	}()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				entry.Debugf("媒体流读取结束: %v", err)
			}
			return
		}
		msg, err := parseMessage(data)
		if err != nil {
			continue
		}

		switch msg.Event {
		case "connected":
		case "start":
			if msg.Start == nil || sess != nil {
				continue
			}
			if id := msg.Start.CustomParameters["session_id"]; id != "" && id != sessionID {
				entry.Warnf("媒体流参数 session_id %s 与 token 不一致", id)
				return
			}
			sess, err = s.router.Attach(ctx, sessionID)
			if err != nil {
				entry.Warnf("媒体流无法接入会话: %v", err)
				return
			}
			conn.setStreamSID(msg.Start.StreamSID)
			entry.Infof("媒体流已接入, stream: %s, call: %s", msg.Start.StreamSID, msg.Start.CallSID)
			go func(sess *session.Session) {
				if err := sess.Start(context.WithoutCancel(ctx), conn); err != nil && !errors.Is(err, session.ErrSessionStarted) {
					entry.Errorf("会话启动失败: %v", err)
				}
			}(sess)
		case "media":
			if sess == nil || msg.Media == nil {
				continue
			}
			pcm, err := decodeMedia(s.processor, msg.Media.Payload)
			if err != nil {
				continue
			}
			sess.HandleAudio(pcm)
		case "stop":
			entry.Info("媒体流 stop")
			return
		}
	}
}
