package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	log "outbound-call-server-golang/logger"
)

func Init(configFile string) error {
	//init config
	if err := initConfig(configFile); err != nil {
		fmt.Printf("initConfig err: %+v\n", err)
		return err
	}

	//init log
	if err := initLog(); err != nil {
		fmt.Printf("initLog err: %+v\n", err)
		return err
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("log.path", "logs/")
	viper.SetDefault("log.file", "server.log")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.max_age", 7)
	viper.SetDefault("store.type", "memory")
	viper.SetDefault("export.type", "none")
	viper.SetDefault("telephony.provider", "twilio")
	viper.SetDefault("telephony.token_ttl", time.Hour)
	viper.SetDefault("telephony.ring_timeout", 30)
	viper.SetDefault("llm.timeout", 8*time.Second)
	viper.SetDefault("asr.mode", "batch")
	viper.SetDefault("asr.timeout", 10*time.Second)
	viper.SetDefault("tts.timeout", 8*time.Second)
	viper.SetDefault("call.max_duration", 10*time.Minute)
	viper.SetDefault("call.default_language", "en")
	viper.SetDefault("call.reschedule_fallback", 24*time.Hour)
	viper.SetDefault("campaign.default_concurrency", 5)
	viper.SetDefault("campaign.default_start_hour", 9)
	viper.SetDefault("campaign.default_end_hour", 21)
	viper.SetDefault("campaign.default_timezone", "UTC")
	viper.SetDefault("scheduler.tick_interval", 30*time.Second)
	viper.SetDefault("scheduler.callback_interval", 60*time.Second)
	viper.SetDefault("scheduler.stagger", 2*time.Second)
}

func initConfig(configFile string) error {
	setDefaults()
	basePath, file := filepath.Split(configFile)

	// 获取文件名和扩展名
	fileName, fileExt := func(file string) (string, string) {
		if pos := strings.LastIndex(file, "."); pos != -1 {
			return file[:pos], strings.ToLower(file[pos+1:])
		}
		return file, ""
	}(file)

	viper.SetConfigName(fileName)
	viper.AddConfigPath(basePath)

	switch fileExt {
	case "json":
		viper.SetConfigType("json")
	case "yaml", "yml":
		viper.SetConfigType("yaml")
	default:
		return fmt.Errorf("unsupported config file type: %s", fileExt)
	}

	// 敏感配置可通过环境变量覆盖, 例如 TELEPHONY_AUTH_TOKEN
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	return viper.ReadInConfig()
}

func initLog() error {
	logPath := viper.GetString("log.path") + viper.GetString("log.file")
	if !filepath.IsAbs(logPath) {
		binPath, _ := os.Executable()
		logPath = filepath.Join(filepath.Dir(binPath), logPath)
	}
	/* 日志轮转
	`WithLinkName` 为最新的日志建立软连接
	`WithRotationTime` 设置日志分割的时间
	`WithRotationCount` 设置文件清理前最多保存的个数
	*/
	writer, err := rotatelogs.New(
		logPath+".%Y%m%d",
		rotatelogs.WithLinkName(logPath),
		rotatelogs.WithRotationCount(uint(viper.GetInt("log.max_age"))),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		return err
	}

	if viper.GetBool("log.stdout") {
		// 同时输出到文件和标准输出
		log.SetOutput(io.MultiWriter(writer, os.Stdout))
		logrus.SetFormatter(log.Formatter(true))
	} else {
		log.SetOutput(writer)
		logrus.SetFormatter(log.Formatter(false))
	}

	// caller 字段由 logger 包注入
	logrus.SetReportCaller(false)
	level, err := logrus.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return nil
}
