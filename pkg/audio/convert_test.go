package audio_test

import (
	"encoding/binary"
	"slices"
	"testing"

	goaudio "github.com/go-audio/audio"

	"github.com/Neeleshn20/spokensense/pkg/audio"
)

func pcm16(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func samples16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func intBuffer(rate, channels int, data ...int) *goaudio.IntBuffer {
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: rate, NumChannels: channels},
		Data:           data,
		SourceBitDepth: 16,
	}
}

var (
	mono8k    = audio.Format{SampleRate: 8000, Channels: 1}
	mono16k   = audio.Format{SampleRate: 16000, Channels: 1}
	stereo16k = audio.Format{SampleRate: 16000, Channels: 2}
)

func TestDecodeEncode(t *testing.T) {
	t.Parallel()

	buf := audio.Decode(pcm16(0, -1, 32767, -32768), stereo16k)
	if buf.Format.NumChannels != 2 || buf.Format.SampleRate != 16000 {
		t.Errorf("format = %+v", buf.Format)
	}
	if want := []int{0, -1, 32767, -32768}; !slices.Equal(buf.Data, want) {
		t.Errorf("Decode = %v, want %v", buf.Data, want)
	}

	clamped := audio.Encode(intBuffer(16000, 1, 40000, -40000, 5))
	if got, want := samples16(clamped), []int16{32767, -32768, 5}; !slices.Equal(got, want) {
		t.Errorf("Encode = %v, want %v", got, want)
	}
}

func TestResample(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   *goaudio.IntBuffer
		rate int
		want []int
	}{
		{"upsample mono", intBuffer(8000, 1, 0, 100, 200, 300), 16000,
			[]int{0, 50, 100, 150, 200, 250, 300, 300}},
		{"downsample mono", intBuffer(16000, 1, 0, 100, 200, 300), 8000,
			[]int{0, 200}},
		{"upsample stereo", intBuffer(8000, 2, 0, 1000, 100, 900), 16000,
			[]int{0, 1000, 50, 950, 100, 900, 100, 900}},
		{"same rate", intBuffer(8000, 1, 1, 2, 3), 8000, []int{1, 2, 3}},
		{"zero target", intBuffer(8000, 1, 1, 2, 3), 0, []int{1, 2, 3}},
		{"empty", intBuffer(8000, 1), 16000, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.Resample(tt.in, tt.rate)
			if !slices.Equal(got.Data, tt.want) {
				t.Errorf("Resample = %v, want %v", got.Data, tt.want)
			}
			if len(tt.want) > 0 && tt.rate > 0 && got.Format.SampleRate != tt.rate {
				t.Errorf("rate = %d, want %d", got.Format.SampleRate, tt.rate)
			}
		})
	}
}

func TestRemix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       *goaudio.IntBuffer
		channels int
		want     []int
	}{
		{"mono to stereo", intBuffer(8000, 1, 100, 200), 2, []int{100, 100, 200, 200}},
		{"stereo to mono", intBuffer(8000, 2, 100, 300, -32768, -32768), 1, []int{200, -32768}},
		{"mono to 3ch", intBuffer(8000, 1, 7), 3, []int{7, 7, 7}},
		{"3ch to stereo", intBuffer(8000, 3, 1, 2, 3, 4, 5, 6), 2, []int{1, 2, 4, 5}},
		{"stereo to 3ch", intBuffer(8000, 2, 1, 2), 3, []int{1, 2, 2}},
		{"3ch to mono", intBuffer(8000, 3, 3, 6, 9), 1, []int{6}},
		{"unchanged", intBuffer(8000, 2, 1, 2), 2, []int{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.Remix(tt.in, tt.channels)
			if !slices.Equal(got.Data, tt.want) {
				t.Errorf("Remix = %v, want %v", got.Data, tt.want)
			}
			if got.Format.NumChannels != tt.channels {
				t.Errorf("channels = %d, want %d", got.Format.NumChannels, tt.channels)
			}
		})
	}
}

func TestFormatConverter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target audio.Format
		from   audio.Format
		in     []byte
		want   []int16 // nil means the chunk is dropped
	}{
		{"resample and upmix", stereo16k, mono8k, pcm16(0, 100),
			[]int16{0, 0, 50, 50, 100, 100, 100, 100}},
		{"downmix", mono16k, stereo16k, pcm16(100, 300, 50, 50), []int16{200, 50}},
		{"odd byte count", mono16k, mono16k, []byte{1, 2, 3}, nil},
		{"partial stereo frame", mono16k, stereo16k, pcm16(1, 2, 3), nil},
		{"invalid source", mono16k, audio.Format{}, pcm16(1, 2), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := &audio.FormatConverter{Target: tt.target}
			got := c.Convert(tt.in, tt.from)
			if tt.want == nil {
				if got != nil {
					t.Fatalf("Convert = %v, want dropped chunk", got)
				}
				return
			}
			if s := samples16(got); !slices.Equal(s, tt.want) {
				t.Errorf("Convert = %v, want %v", s, tt.want)
			}
		})
	}
}

func TestFormatConverter_MatchingFormatIsNoOp(t *testing.T) {
	t.Parallel()

	c := &audio.FormatConverter{Target: stereo16k}
	in := pcm16(1, 2, 3, 4)
	out := c.Convert(in, stereo16k)
	if len(out) != len(in) || &out[0] != &in[0] {
		t.Error("matching format should return the input slice")
	}
}
