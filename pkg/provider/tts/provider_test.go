package tts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Neeleshn20/spokensense/pkg/audio"
)

func TestRequest_WordAt(t *testing.T) {
	t.Parallel()
	r := Request{Words: []string{"The", "café", "sat"}}
	if got := r.Text(); got != "The café sat" {
		t.Fatalf("Text = %q", got)
	}
	tests := []struct {
		offset int
		want   int
	}{
		{offset: -1, want: -1},
		{offset: 0, want: 0},
		{offset: 2, want: 0},
		{offset: 3, want: 1}, // the space before "café"
		{offset: 4, want: 1},
		{offset: 7, want: 1}, // "é" is one rune
		{offset: 8, want: 2},
		{offset: 11, want: 2},
		{offset: 12, want: -1},
	}
	for _, tt := range tests {
		if got := r.WordAt(tt.offset); got != tt.want {
			t.Errorf("WordAt(%d) = %d, want %d", tt.offset, got, tt.want)
		}
	}
}

func TestRequest_Validate(t *testing.T) {
	t.Parallel()
	if err := (Request{}).Validate(); !errors.Is(err, ErrEmptyRequest) {
		t.Errorf("err = %v, want ErrEmptyRequest", err)
	}
	if err := (Request{Words: []string{"a"}}).Validate(); err != nil {
		t.Errorf("err = %v", err)
	}
}

func TestPipe_DeliversAndFinishes(t *testing.T) {
	t.Parallel()
	p := NewPipe(context.Background(), audio.Format{SampleRate: 16000, Channels: 1}, 4, 2)
	go func() {
		p.Send([]byte{1, 2})
		p.SendTiming(Timing{Index: 0, End: time.Millisecond})
		p.SendTiming(Timing{Index: 1})
		p.SendTiming(Timing{Index: 2}) // over capacity: dropped
		p.Send([]byte{3, 4})
		p.Finish(nil)
		p.Finish(errors.New("ignored"))
	}()

	var frames int
	for range p.Frames() {
		frames++
	}
	if frames != 2 {
		t.Errorf("frames = %d, want 2", frames)
	}
	var timings []Timing
	for tm := range p.Timings() {
		timings = append(timings, tm)
	}
	if len(timings) != 2 {
		t.Errorf("timings = %v, want 2 entries", timings)
	}
	if err := p.Err(); err != nil {
		t.Errorf("Err = %v", err)
	}
}

func TestPipe_NoTimings(t *testing.T) {
	t.Parallel()
	p := NewPipe(context.Background(), audio.Format{SampleRate: 16000, Channels: 1}, 1, -1)
	if p.Timings() != nil {
		t.Fatal("Timings should be nil")
	}
	p.SendTiming(Timing{})
	p.Finish(nil)
}

func TestPipe_CancelUnblocksSend(t *testing.T) {
	t.Parallel()
	p := NewPipe(context.Background(), audio.Format{SampleRate: 16000, Channels: 1}, 1, -1)
	p.Send([]byte{0, 0})
	sent := make(chan bool, 1)
	go func() { sent <- p.Send([]byte{1, 1}) }()
	p.Cancel()
	p.Cancel()
	if ok := <-sent; ok {
		t.Fatal("Send succeeded after Cancel with a full buffer")
	}
	p.Finish(nil)
	if !errors.Is(p.Err(), context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", p.Err())
	}
}
