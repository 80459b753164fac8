// Package audio defines the PCM format helpers and the output device
// abstraction the playback controller writes to.
//
// All PCM in this module is signed 16-bit little-endian, interleaved when
// there is more than one channel. A [Format] fixes the sample rate and the
// channel count; byte offsets and durations convert through it exactly, which
// is what makes the audio clock (bytes handed to the device divided by the
// byte rate) sample-accurate.
//
// Output backends implement [Device] and [Sink] in sub-packages
// (audio/command, audio/wavfile, audio/mock).
package audio

import (
	"errors"
	"fmt"
	"time"
)

// BytesPerSample is the size of one 16-bit PCM sample.
const BytesPerSample = 2

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`
	Channels   int `yaml:"channels" json:"channels"`
}

// Validate reports whether f can describe a PCM stream.
func (f Format) Validate() error {
	var errs []error
	if f.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate))
	}
	if f.Channels <= 0 {
		errs = append(errs, fmt.Errorf("audio: channels must be positive, got %d", f.Channels))
	}
	return errors.Join(errs...)
}

// FrameSize is the number of bytes of one sample across all channels.
func (f Format) FrameSize() int { return f.Channels * BytesPerSample }

// ByteRate is the number of bytes per second of audio.
func (f Format) ByteRate() int { return f.SampleRate * f.FrameSize() }

// Duration returns the playback duration of n bytes.
func (f Format) Duration(n int64) time.Duration {
	rate := int64(f.ByteRate())
	if rate <= 0 || n <= 0 {
		return 0
	}
	sec := n / rate
	rem := n % rate
	return time.Duration(sec)*time.Second + time.Duration(rem)*time.Second/time.Duration(rate)
}

// Offset returns the byte offset of d, rounded down to a whole frame.
func (f Format) Offset(d time.Duration) int64 {
	if d <= 0 || f.ByteRate() <= 0 {
		return 0
	}
	frames := int64(d) * int64(f.SampleRate) / int64(time.Second)
	return frames * int64(f.FrameSize())
}

// ChunkSize returns the number of bytes covering d, at least one frame.
func (f Format) ChunkSize(d time.Duration) int {
	n := int(f.Offset(d))
	if n < f.FrameSize() {
		n = f.FrameSize()
	}
	return n
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

func formatString(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	}
	return fmt.Sprintf("%dHz %dch", rate, channels)
}
