package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "cache"
	cfg.Port = 6380
	cfg.DB = 2
	opts := cfg.Options()
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 5*time.Second, opts.ReadTimeout)
}

func TestUninitializedClient(t *testing.T) {
	assert.Nil(t, GetClient())
	assert.False(t, IsHealthy(context.Background()))
	assert.NoError(t, Close())
}
