package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"

	goaudio "github.com/go-audio/audio"
)

// FormatConverter brings PCM chunks from a synthesis stream to the format a
// device was opened with. Chunks that are not a whole number of source frames
// are dropped. The first mismatch and the first dropped chunk are logged once.
//
// A converter holds no sample history, so each chunk is resampled on its own.
// Use one per stream.
type FormatConverter struct {
	Target Format

	warnMismatch sync.Once
	warnCorrupt  sync.Once
}

// Convert returns pcm in the target format. When from already matches the
// target, pcm itself is returned.
func (c *FormatConverter) Convert(pcm []byte, from Format) []byte {
	if from.Validate() != nil || len(pcm)%from.FrameSize() != 0 {
		c.warnCorrupt.Do(func() {
			slog.Warn("audio: dropping misaligned PCM chunk", "bytes", len(pcm), "format", from.String())
		})
		return nil
	}
	if from == c.Target {
		return pcm
	}
	c.warnMismatch.Do(func() {
		slog.Warn("audio: converting stream format", "from", from.String(), "to", c.Target.String())
	})

	buf := Decode(pcm, from)
	// Resample before remixing so an upmix never multiplies the work.
	buf = Resample(buf, c.Target.SampleRate)
	buf = Remix(buf, c.Target.Channels)
	return Encode(buf)
}

// Decode unpacks signed 16-bit little-endian PCM into an integer buffer.
// A trailing partial sample is ignored.
func Decode(pcm []byte, f Format) *goaudio.IntBuffer {
	data := make([]int, len(pcm)/BytesPerSample)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:])))
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
}

// Encode packs buf as signed 16-bit little-endian PCM, clamping samples that
// exceed the int16 range.
func Encode(buf *goaudio.IntBuffer) []byte {
	out := make([]byte, len(buf.Data)*BytesPerSample)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(clamp16(s)))
	}
	return out
}

// Resample converts buf to rate by linear interpolation between neighbouring
// frames. The frame count scales by rate/source rate, rounded down. buf is
// returned as is when the rates match or either is not positive.
func Resample(buf *goaudio.IntBuffer, rate int) *goaudio.IntBuffer {
	src, ch := buf.Format.SampleRate, buf.Format.NumChannels
	frames := buf.NumFrames()
	if src == rate || src <= 0 || rate <= 0 || ch <= 0 || frames == 0 {
		return buf
	}

	n := int(int64(frames) * int64(rate) / int64(src))
	out := make([]int, n*ch)
	step := float64(src) / float64(rate)
	for i := range n {
		pos := float64(i) * step
		j := int(pos)
		k := min(j+1, frames-1)
		frac := pos - float64(j)
		for c := range ch {
			a, b := buf.Data[j*ch+c], buf.Data[k*ch+c]
			out[i*ch+c] = int(float64(a)*(1-frac) + float64(b)*frac)
		}
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: ch, SampleRate: rate},
		Data:           out,
		SourceBitDepth: buf.SourceBitDepth,
	}
}

// Remix converts buf to channels. A mono source is copied to every output
// channel and a mono target averages all source channels. Between two
// multi-channel layouts, leading channels are kept and missing ones repeat
// the last source channel.
func Remix(buf *goaudio.IntBuffer, channels int) *goaudio.IntBuffer {
	src := buf.Format.NumChannels
	if src == channels || src <= 0 || channels <= 0 {
		return buf
	}

	frames := buf.NumFrames()
	out := make([]int, frames*channels)
	for f := range frames {
		in := buf.Data[f*src : (f+1)*src]
		dst := out[f*channels : (f+1)*channels]
		if channels == 1 {
			sum := 0
			for _, s := range in {
				sum += s
			}
			dst[0] = sum / src
			continue
		}
		for c := range dst {
			dst[c] = in[min(c, src-1)]
		}
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: buf.Format.SampleRate},
		Data:           out,
		SourceBitDepth: buf.SourceBitDepth,
	}
}

func clamp16(s int) int16 {
	switch {
	case s > 32767:
		return 32767
	case s < -32768:
		return -32768
	}
	return int16(s)
}
