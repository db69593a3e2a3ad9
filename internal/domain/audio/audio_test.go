package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-call-server-golang/internal/data/audio"
)

func sine(samples, rate int, freq float64) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(v))
	}
	return pcm
}

func TestMulawRoundTrip(t *testing.T) {
	for i := 0; i < 256; i++ {
		u := byte(i)
		if u == 0x7F {
			// 0x7F 与 0xFF 都表示 0
			continue
		}
		assert.Equal(t, u, MulawEncodeSample(MulawDecodeSample(u)), "byte %#x", u)
	}
	assert.Equal(t, byte(0xFF), MulawEncodeSample(0))
}

func TestProcesserDecodeEncode(t *testing.T) {
	p := GetAudioProcesser(audio.Default())
	pcm := sine(160, 8000, 440)
	mulaw := p.Encode(pcm)
	require.Len(t, mulaw, 160)

	back := p.Decode(mulaw)
	require.Len(t, back, len(pcm))
	orig := PCMToInts(pcm)
	got := PCMToInts(back)
	for i := range orig {
		// μ-law 量化误差随幅度增大, 8000 附近不超过 256
		assert.InDelta(t, orig[i], got[i], 256)
	}
}

func TestFrames(t *testing.T) {
	p := GetAudioProcesser(audio.Default())
	frames := p.Frames(make([]byte, 320*2+100))
	require.Len(t, frames, 3)
	assert.Len(t, frames[0], 320)
	assert.Len(t, frames[2], 100)
}

func TestWAVRoundTripAndResample(t *testing.T) {
	pcm := sine(1600, 16000, 300)
	wavData, err := PCMToWAV(pcm, 16000)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(wavData[:4]))

	out, err := WAVToPCM(wavData, 8000)
	require.NoError(t, err)
	// 16k -> 8k 采样数减半
	assert.InDelta(t, 800, len(out)/2, 20)
}

func TestResamplePCMSameRate(t *testing.T) {
	pcm := sine(100, 8000, 440)
	out, err := ResamplePCM(pcm, 8000, 8000)
	require.NoError(t, err)
	assert.Equal(t, pcm, out)
}
