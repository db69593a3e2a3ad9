package audio

import (
	"encoding/binary"

	"outbound-call-server-golang/internal/data/audio"
)

// AudioProcesser 电话媒体流与内部 PCM 之间的转换
type AudioProcesser struct {
	format audio.AudioFormat
}

func GetAudioProcesser(format audio.AudioFormat) *AudioProcesser {
	if format.SampleRate <= 0 {
		format = audio.Default()
	}
	return &AudioProcesser{format: format}
}

func (a *AudioProcesser) Format() audio.AudioFormat {
	return a.format
}

// Decode μ-law 负载转 16bit 小端 PCM
func (a *AudioProcesser) Decode(mulaw []byte) []byte {
	pcm := make([]byte, len(mulaw)*2)
	for i, u := range mulaw {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(MulawDecodeSample(u)))
	}
	return pcm
}

// Encode 16bit 小端 PCM 转 μ-law, 末尾不足一个采样的字节丢弃
func (a *AudioProcesser) Encode(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = MulawEncodeSample(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return out
}

// Frames 按帧长切分 PCM, 最后一帧可能不足
func (a *AudioProcesser) Frames(pcm []byte) [][]byte {
	size := a.format.FrameBytes()
	if size <= 0 {
		return [][]byte{pcm}
	}
	frames := make([][]byte, 0, len(pcm)/size+1)
	for i := 0; i < len(pcm); i += size {
		end := i + size
		if end > len(pcm) {
			end = len(pcm)
		}
		frames = append(frames, pcm[i:end])
	}
	return frames
}
