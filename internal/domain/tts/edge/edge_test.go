package edge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewEdgeTTSProviderDefaults(t *testing.T) {
	p := NewEdgeTTSProvider("", map[string]interface{}{
		"voices": map[string]interface{}{
			"es": "es-MX-DaliaNeural",
			"hi": "hi-IN-SwaraNeural",
		},
	})
	assert.Equal(t, "edge", p.Name())
	assert.Equal(t, defaultVoice, p.Voice)
	assert.Equal(t, "+0%", p.Rate)
	assert.Equal(t, "+0Hz", p.Pitch)
	assert.Equal(t, 10, p.ConnectTimeout)
	assert.Equal(t, "es-MX-DaliaNeural", p.Voices["es"])
}
