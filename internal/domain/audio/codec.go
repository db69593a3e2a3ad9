package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gopxl/beep"
	"github.com/gopxl/beep/mp3"
)

const resampleQuality = 4

// PCMToWAV 16bit 单声道 PCM 封装为 WAV.
// wav.Encoder 需要 io.WriteSeeker, 借助临时文件完成
func PCMToWAV(pcm []byte, sampleRate int) ([]byte, error) {
	f, err := os.CreateTemp("", "pcm-*.wav")
	if err != nil {
		return nil, fmt.Errorf("创建临时文件失败: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           PCMToInts(pcm),
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("写入WAV数据失败: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("关闭WAV编码器失败: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}

// WAVToPCM 解码 WAV 并转换为 targetRate 的 16bit 单声道 PCM
func WAVToPCM(data []byte, targetRate int) ([]byte, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("无效的WAV文件")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("读取WAV数据失败: %w", err)
	}
	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	scale := 32768.0
	if buf.SourceBitDepth > 0 {
		scale = float64(int(1) << (buf.SourceBitDepth - 1))
	}
	samples := make([][2]float64, 0, len(buf.Data)/channels)
	for i := 0; i+channels <= len(buf.Data); i += channels {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			sum += float64(buf.Data[i+ch]) / scale
		}
		v := sum / float64(channels)
		samples = append(samples, [2]float64{v, v})
	}
	return streamToPCM(&sliceStreamer{samples: samples}, buf.Format.SampleRate, targetRate)
}

// MP3ToPCM 解码 MP3 并转换为 targetRate 的 16bit 单声道 PCM
func MP3ToPCM(r io.Reader, targetRate int) ([]byte, error) {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	streamer, format, err := mp3.Decode(rc)
	if err != nil {
		return nil, fmt.Errorf("创建MP3解码器失败: %w", err)
	}
	defer streamer.Close()
	return streamToPCM(streamer, int(format.SampleRate), targetRate)
}

// ResamplePCM 16bit 单声道 PCM 重采样
func ResamplePCM(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate == toRate || len(pcm) == 0 {
		return pcm, nil
	}
	ints := PCMToInts(pcm)
	samples := make([][2]float64, len(ints))
	for i, v := range ints {
		f := float64(v) / 32768
		samples[i] = [2]float64{f, f}
	}
	return streamToPCM(&sliceStreamer{samples: samples}, fromRate, toRate)
}

func streamToPCM(s beep.Streamer, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 {
		return nil, fmt.Errorf("无效的采样率: %d", fromRate)
	}
	if fromRate != toRate {
		s = beep.Resample(resampleQuality, beep.SampleRate(fromRate), beep.SampleRate(toRate), s)
	}

	var out bytes.Buffer
	chunk := make([][2]float64, 1024)
	for {
		n, ok := s.Stream(chunk)
		for i := 0; i < n; i++ {
			// 双声道取平均, 转为单声道
			mono := (chunk[i][0] + chunk[i][1]) * 0.5
			if mono > 1.0 {
				mono = 1.0
			} else if mono < -1.0 {
				mono = -1.0
			}
			_ = binary.Write(&out, binary.LittleEndian, int16(mono*32767.0))
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// PCMToInts 16bit 小端 PCM 转 int 采样
func PCMToInts(pcm []byte) []int {
	out := make([]int, len(pcm)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return out
}

type sliceStreamer struct {
	samples [][2]float64
	pos     int
}

func (s *sliceStreamer) Stream(samples [][2]float64) (int, bool) {
	if s.pos >= len(s.samples) {
		return 0, false
	}
	n := copy(samples, s.samples[s.pos:])
	s.pos += n
	return n, true
}

func (s *sliceStreamer) Err() error { return nil }
