package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"outbound-call-server-golang/constants"
	"outbound-call-server-golang/internal/data/model"
)

// Exporter 通话结束后把结果推送给下游系统, 失败不影响通话收尾
type Exporter interface {
	Export(ctx context.Context, rec *model.CallRecord) error
	Close() error
}

// Event 对外推送的通话结果
type Event struct {
	Type       string            `json:"type"`
	Record     *model.CallRecord `json:"record"`
	ExportedAt time.Time         `json:"exported_at"`
}

const EventCallEnded = "call.ended"

func Marshal(rec *model.CallRecord, now time.Time) ([]byte, error) {
	return json.Marshal(Event{Type: EventCallEnded, Record: rec, ExportedAt: now})
}

type Noop struct{}

func (Noop) Export(context.Context, *model.CallRecord) error { return nil }
func (Noop) Close() error                                    { return nil }

type Config struct {
	Type   string `mapstructure:"type"`
	Stream string `mapstructure:"stream"`
	MaxLen int64  `mapstructure:"max_len"`
	Topic  string `mapstructure:"topic"`
	Qos    byte   `mapstructure:"qos"`
}

// Validate 检查导出类型与必需参数
func (c Config) Validate() error {
	switch c.Type {
	case "", constants.ExportTypeNone:
		return nil
	case constants.ExportTypeRedisStream:
		if c.Stream == "" {
			return fmt.Errorf("export.stream is required for %s", c.Type)
		}
	case constants.ExportTypeMqtt:
		if c.Topic == "" {
			return fmt.Errorf("export.topic is required for %s", c.Type)
		}
	default:
		return fmt.Errorf("unsupported export type: %s", c.Type)
	}
	return nil
}
