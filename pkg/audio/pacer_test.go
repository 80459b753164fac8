package audio

import (
	"testing"
	"time"
)

func TestPacer_ThrottlesToRealTime(t *testing.T) {
	t.Parallel()
	// 2000 bytes per second: 200 bytes is 100 ms.
	p := NewPacer(Format{SampleRate: 1000, Channels: 1}, 0)
	done := make(chan struct{})

	start := time.Now()
	for range 3 {
		if err := p.Pace(200, done); err != nil {
			t.Fatal(err)
		}
	}
	// The third write is due 200 ms after the first.
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("three writes took %v, want at least ~200ms", elapsed)
	}
}

func TestPacer_LeadAllowsBurst(t *testing.T) {
	t.Parallel()
	p := NewPacer(Format{SampleRate: 1000, Channels: 1}, time.Second)
	done := make(chan struct{})
	start := time.Now()
	for range 5 {
		if err := p.Pace(200, done); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("burst within lead took %v", elapsed)
	}
}

func TestPacer_PauseBlocksUntilResume(t *testing.T) {
	t.Parallel()
	p := NewPacer(Format{SampleRate: 1000, Channels: 1}, time.Second)
	done := make(chan struct{})
	p.Pause()

	returned := make(chan error, 1)
	go func() { returned <- p.Pace(2, done) }()

	select {
	case <-returned:
		t.Fatal("Pace returned while paused")
	case <-time.After(50 * time.Millisecond):
	}
	p.Resume()
	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("Pace: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pace did not return after Resume")
	}
}

func TestPacer_DoneUnblocks(t *testing.T) {
	t.Parallel()
	p := NewPacer(Format{SampleRate: 1000, Channels: 1}, 0)
	done := make(chan struct{})
	if err := p.Pace(20000, done); err != nil {
		t.Fatal(err)
	}
	returned := make(chan error, 1)
	go func() { returned <- p.Pace(2, done) }()
	close(done)
	select {
	case err := <-returned:
		if err != ErrClosed {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pace did not observe done")
	}
}

func TestPacer_ResetForgetsWritten(t *testing.T) {
	t.Parallel()
	p := NewPacer(Format{SampleRate: 1000, Channels: 1}, 0)
	done := make(chan struct{})
	if err := p.Pace(20000, done); err != nil {
		t.Fatal(err)
	}
	p.Reset()
	start := time.Now()
	if err := p.Pace(2, done); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("write after Reset waited %v", elapsed)
	}
}
