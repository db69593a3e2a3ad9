package logger

import (
	"fmt"
	"io"
	"path/filepath"
	"runtime"

	nested "github.com/antonfisher/nested-logrus-formatter"
	log "github.com/sirupsen/logrus"
)

func init() {
	// 默认不带颜色，输出目标由 cmd/server 决定
	log.SetFormatter(Formatter(false))
}

// SetOutput 设置日志输出目标
func SetOutput(out io.Writer) {
	log.SetOutput(out)
}

// SetLevel 设置日志级别
func SetLevel(level log.Level) {
	log.SetLevel(level)
}

// caller 返回跳过 skip 层后的调用位置
func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// 调用链: 用户代码 -> logger.Info -> entry -> caller -> runtime.Caller
func entry() *log.Entry {
	return log.WithField("caller", caller(3))
}

func Info(args ...interface{}) {
	entry().Info(args...)
}

func Error(args ...interface{}) {
	entry().Error(args...)
}

func Debug(args ...interface{}) {
	entry().Debug(args...)
}

func Warn(args ...interface{}) {
	entry().Warn(args...)
}

func Fatal(args ...interface{}) {
	entry().Fatal(args...)
}

func Infof(format string, args ...interface{}) {
	entry().Infof(format, args...)
}

func Errorf(format string, args ...interface{}) {
	entry().Errorf(format, args...)
}

func Debugf(format string, args ...interface{}) {
	entry().Debugf(format, args...)
}

func Warnf(format string, args ...interface{}) {
	entry().Warnf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	entry().Fatalf(format, args...)
}

// Log 以 key, value 交替的参数构造带字段的日志, 例如
// log.Log("session_id", id, "campaign_id", cid).Infof(...)
func Log(args ...interface{}) *log.Entry {
	fields := log.Fields{}
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		if i+1 < len(args) {
			fields[key] = args[i+1]
		} else {
			fields[key] = ""
		}
	}
	fields["caller"] = caller(2)
	return log.WithFields(fields)
}

func Formatter(isConsole bool) *nested.Formatter {
	return &nested.Formatter{
		FieldsOrder:      []string{"time", "level", "caller", "session_id", "campaign_id", "msg"},
		HideKeys:         true,
		TimestampFormat:  "2006-01-02 15:04:05.000",
		CallerFirst:      true,
		NoUppercaseLevel: true,
		ShowFullLevel:    true,
		NoColors:         !isConsole,
		// caller 字段由本包自行注入
		CustomCallerFormatter: func(frame *runtime.Frame) string {
			return ""
		},
	}
}
