package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"outbound-call-server-golang/constants"
	"outbound-call-server-golang/internal/app/server/httpapi"
	"outbound-call-server-golang/internal/app/server/scheduler"
	"outbound-call-server-golang/internal/app/server/session"
	"outbound-call-server-golang/internal/app/server/signaling"
	dataaudio "outbound-call-server-golang/internal/data/audio"
	"outbound-call-server-golang/internal/data/model"
	redisdb "outbound-call-server-golang/internal/db/redis"
	"outbound-call-server-golang/internal/domain/asr"
	asrtypes "outbound-call-server-golang/internal/domain/asr/types"
	"outbound-call-server-golang/internal/domain/audio"
	"outbound-call-server-golang/internal/domain/export"
	"outbound-call-server-golang/internal/domain/fallback"
	"outbound-call-server-golang/internal/domain/llm"
	"outbound-call-server-golang/internal/domain/store"
	"outbound-call-server-golang/internal/domain/store/memory"
	"outbound-call-server-golang/internal/domain/store/postgres"
	"outbound-call-server-golang/internal/domain/telephony"
	"outbound-call-server-golang/internal/domain/telephony/twilio"
	"outbound-call-server-golang/internal/domain/tts"
	"outbound-call-server-golang/internal/domain/vad"
	log "outbound-call-server-golang/logger"
)

// App 组装存储、外呼通道、AI 能力链、HTTP 入口与调度器
type App struct {
	store     store.Store
	exporter  export.Exporter
	registry  *session.Registry
	http      *httpapi.Server
	scheduler *scheduler.Scheduler

	cancel context.CancelFunc
	done   chan struct{}
}

func NewApp(ctx context.Context) (*App, error) {
	app := &App{registry: session.NewRegistry(), done: make(chan struct{})}

	st, err := newStore(ctx)
	if err != nil {
		return nil, err
	}
	app.store = st

	exporter, err := newExporter()
	if err != nil {
		app.closeBackends()
		return nil, err
	}
	app.exporter = exporter

	decider, err := newLLMGateway(ctx)
	if err != nil {
		app.closeBackends()
		return nil, err
	}
	recognizers, err := newASRGateway()
	if err != nil {
		app.closeBackends()
		return nil, err
	}
	speaker, err := newTTSGateway()
	if err != nil {
		app.closeBackends()
		return nil, err
	}

	tokens, err := telephony.NewTokenManager(
		viper.GetString("telephony.token_secret"),
		viper.GetString("telephony.token_issuer"),
		viper.GetDuration("telephony.token_ttl"),
	)
	if err != nil {
		app.closeBackends()
		return nil, err
	}
	provider, err := newTelephony(tokens)
	if err != nil {
		app.closeBackends()
		return nil, err
	}

	deps := &session.Deps{
		Store:       st,
		Telephony:   provider,
		Recognizers: recognizers,
		Decider:     decider,
		Speaker:     speaker,
		Exporter:    exporter,
		Registry:    app.registry,
	}
	sessCfg := sessionConfig()
	router := signaling.NewRouter(sessCfg, deps)

	app.http = httpapi.New(httpapi.Config{
		Host:      viper.GetString("server.host"),
		Port:      viper.GetInt("server.port"),
		PublicURL: viper.GetString("server.public_url"),
		AuthToken: validationToken(),
		Release:   viper.GetBool("server.release"),
	}, router, app.registry, tokens, audio.GetAudioProcesser(dataaudio.Default()))

	app.scheduler = scheduler.New(schedulerConfig(), sessCfg, deps)
	return app, nil
}

// Run 启动 HTTP 服务与调度器, 不阻塞
func (a *App) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go func() {
		if err := a.http.Start(); err != nil {
			log.Errorf("HTTP 服务异常退出: %v", err)
		}
	}()
	go func() {
		defer close(a.done)
		a.scheduler.Run(ctx)
	}()
}

// Shutdown 停止调度, 结束仍在进行的通话, 再关闭外部连接
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
		select {
		case <-a.done:
		case <-ctx.Done():
		}
	}
	if n := a.registry.ActiveCount(); n > 0 {
		log.Infof("关闭时结束 %d 通进行中的通话", n)
		a.registry.EndAll(model.OutcomeFailed)
	}
	err := a.http.Shutdown(ctx)
	a.closeBackends()
	return err
}

func (a *App) closeBackends() {
	if a.exporter != nil {
		if err := a.exporter.Close(); err != nil {
			log.Warnf("close exporter: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warnf("close store: %v", err)
		}
	}
	_ = redisdb.Close()
}

func sessionConfig() session.Config {
	return session.Config{
		VAD: vad.Config{
			Threshold:       viper.GetFloat64("vad.threshold"),
			SilenceDuration: time.Duration(viper.GetInt("vad.silence_ms")) * time.Millisecond,
		},
		MaxDuration:        viper.GetDuration("call.max_duration"),
		EndTimeout:         viper.GetDuration("call.end_timeout"),
		DefaultLanguage:    viper.GetString("call.default_language"),
		DefaultGreeting:    viper.GetString("call.greeting"),
		RescheduleFallback: viper.GetDuration("call.reschedule_fallback"),
	}
}

func schedulerConfig() scheduler.Config {
	return scheduler.Config{
		TickInterval:       viper.GetDuration("scheduler.tick_interval"),
		CallbackInterval:   viper.GetDuration("scheduler.callback_interval"),
		Stagger:            viper.GetDuration("scheduler.stagger"),
		Workers:            viper.GetInt("scheduler.workers"),
		DefaultConcurrency: viper.GetInt("campaign.default_concurrency"),
		DefaultHours: model.CallingHours{
			StartHour: viper.GetInt("campaign.default_start_hour"),
			EndHour:   viper.GetInt("campaign.default_end_hour"),
			Timezone:  viper.GetString("campaign.default_timezone"),
		},
	}
}

func newStore(ctx context.Context) (store.Store, error) {
	switch storeType := viper.GetString("store.type"); storeType {
	case constants.StoreTypePostgres:
		var cfg postgres.Config
		if err := viper.UnmarshalKey("postgres", &cfg); err != nil {
			return nil, fmt.Errorf("postgres config: %w", err)
		}
		return postgres.Open(ctx, cfg)
	case constants.StoreTypeMemory, "":
		st := memory.New()
		if seed := viper.GetString("store.memory_seed"); seed != "" {
			if err := st.LoadFile(seed); err != nil {
				return nil, fmt.Errorf("load memory seed: %w", err)
			}
			log.Infof("内存存储已载入 %s", seed)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", storeType)
	}
}

func newExporter() (export.Exporter, error) {
	var cfg export.Config
	if err := viper.UnmarshalKey("export", &cfg); err != nil {
		return nil, fmt.Errorf("export config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case constants.ExportTypeRedisStream:
		redisCfg := redisdb.DefaultConfig()
		if err := viper.UnmarshalKey("redis", redisCfg); err != nil {
			return nil, fmt.Errorf("redis config: %w", err)
		}
		client, err := redisdb.Init(redisCfg)
		if err != nil {
			return nil, err
		}
		return export.NewRedisStream(client, cfg.Stream, cfg.MaxLen), nil
	case constants.ExportTypeMqtt:
		var mqttCfg export.MqttConfig
		if err := viper.UnmarshalKey("mqtt", &mqttCfg); err != nil {
			return nil, fmt.Errorf("mqtt config: %w", err)
		}
		return export.DialMqtt(mqttCfg, cfg.Topic, cfg.Qos)
	default:
		return export.Noop{}, nil
	}
}

// providerNames 主备 provider 名称, 忽略空值与重复
func providerNames(section string) []string {
	var names []string
	for _, key := range []string{"primary", "secondary"} {
		name := viper.GetString(section + "." + key)
		if name == "" || (len(names) > 0 && names[0] == name) {
			continue
		}
		names = append(names, name)
	}
	return names
}

func providerConfig(section, name string) map[string]interface{} {
	return viper.GetStringMap(section + ".providers." + name)
}

func newLLMGateway(ctx context.Context) (*llm.Gateway, error) {
	var providers []llm.LLMProvider
	for _, name := range providerNames("llm") {
		p, err := llm.GetLLMProvider(ctx, name, providerConfig("llm", name))
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	chain, err := fallback.NewChain("llm", viper.GetDuration("llm.timeout"), providers...)
	if err != nil {
		return nil, err
	}
	return llm.NewGateway(chain), nil
}

func newASRGateway() (*asr.Gateway, error) {
	cfg := asr.Config{
		Mode:          viper.GetString("asr.mode"),
		MinBufferMs:   viper.GetInt("asr.min_buffer_ms"),
		StreamBackoff: viper.GetDuration("asr.stream_backoff"),
	}
	timeout := viper.GetDuration("asr.timeout")
	names := providerNames("asr")

	if cfg.Mode == constants.AsrModeStreaming {
		var providers []asrtypes.StreamingProvider
		for _, name := range names {
			p, err := asr.NewStreamingProvider(name, providerConfig("asr", name))
			if err != nil {
				return nil, err
			}
			providers = append(providers, p)
		}
		chain, err := fallback.NewChain("asr", timeout, providers...)
		if err != nil {
			return nil, err
		}
		return asr.NewGateway(cfg, nil, chain)
	}

	var providers []asrtypes.BatchProvider
	for _, name := range names {
		p, err := asr.NewBatchProvider(name, providerConfig("asr", name))
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	chain, err := fallback.NewChain("asr", timeout, providers...)
	if err != nil {
		return nil, err
	}
	return asr.NewGateway(cfg, chain, nil)
}

func newTTSGateway() (*tts.Gateway, error) {
	var providers []tts.TTSProvider
	for _, name := range providerNames("tts") {
		p, err := tts.GetTTSProvider(name, providerConfig("tts", name))
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	chain, err := fallback.NewChain("tts", viper.GetDuration("tts.timeout"), providers...)
	if err != nil {
		return nil, err
	}
	return tts.NewGateway(chain, viper.GetInt("tts.cache_size")), nil
}

func newTelephony(tokens *telephony.TokenManager) (telephony.Provider, error) {
	switch name := viper.GetString("telephony.provider"); name {
	case constants.TelephonyTypeTwilio, "":
		return twilio.New(twilio.Config{
			AccountSID:  viper.GetString("telephony.account_sid"),
			AuthToken:   viper.GetString("telephony.auth_token"),
			BaseURL:     viper.GetString("telephony.base_url"),
			CallerID:    viper.GetString("telephony.caller_id"),
			PublicURL:   viper.GetString("server.public_url"),
			RingTimeout: viper.GetInt("telephony.ring_timeout"),
		}, tokens)
	default:
		return nil, errors.New("不支持的外呼通道: " + name)
	}
}

// validationToken 开启签名校验时返回 auth token
func validationToken() string {
	if !viper.GetBool("telephony.validate_signature") {
		return ""
	}
	return viper.GetString("telephony.auth_token")
}
