package audio

// 电话侧音频: Twilio Media Streams 为 8kHz 单声道 G.711 μ-law, 内部统一转为 16bit PCM
const (
	SampleRate    = 8000
	Channels      = 1
	FrameDuration = 20
	Format        = "mulaw"
)

type AudioFormat struct {
	Format        string `json:"format,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	FrameDuration int    `json:"frame_duration,omitempty"`
}

// FrameBytes 一帧 16bit PCM 的字节数
func (f AudioFormat) FrameBytes() int {
	return f.SampleRate * f.Channels * 2 * f.FrameDuration / 1000
}

func Default() AudioFormat {
	return AudioFormat{
		Format:        Format,
		SampleRate:    SampleRate,
		Channels:      Channels,
		FrameDuration: FrameDuration,
	}
}
