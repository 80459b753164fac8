package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Neeleshn20/spokensense/pkg/provider/tts"
	ttsmock "github.com/Neeleshn20/spokensense/pkg/provider/tts/mock"
)

func drainFrames(t *testing.T, s tts.Stream) [][]byte {
	t.Helper()
	var got [][]byte
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-s.Frames():
			if !ok {
				return got
			}
			got = append(got, f)
		case <-timeout:
			t.Fatal("timed out draining frames")
		}
	}
}

func TestTTSFallback_Begin_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{Frames: [][]byte{{1, 2}, {3, 4}}}
	secondary := &ttsmock.Provider{Frames: [][]byte{{9, 9}}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	s, err := fb.Begin(context.Background(), tts.Request{Words: []string{"hello", "there"}})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if got := drainFrames(t, s); len(got) != 2 || got[0][0] != 1 {
		t.Errorf("frames = %v, want primary frames", got)
	}
	if secondary.Calls() != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.Calls())
	}
}

func TestTTSFallback_Begin_Failover(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{BeginErr: errTest}
	secondary := &ttsmock.Provider{Frames: [][]byte{{7}}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	voice := tts.VoiceProfile{ID: "narrator", Provider: "primary", SpeedFactor: 1.2}
	s, err := fb.Begin(context.Background(), tts.Request{Words: []string{"hi"}, Voice: voice})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	drainFrames(t, s)

	if primary.Calls() != 1 || secondary.Calls() != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", primary.Calls(), secondary.Calls())
	}
	if got := primary.Requests()[0].Voice; got.ID != "narrator" {
		t.Errorf("primary voice = %+v, want narrator", got)
	}
	got := secondary.Requests()[0].Voice
	if got.ID != "" || got.SpeedFactor != 1.2 {
		t.Errorf("secondary voice = %+v, want default voice at speed 1.2", got)
	}
}

func TestTTSFallback_Begin_AllFail(t *testing.T) {
	t.Parallel()
	fb := NewTTSFallback(&ttsmock.Provider{BeginErr: errTest}, "a", FallbackConfig{})
	fb.AddFallback("b", &ttsmock.Provider{BeginErr: errTest})

	_, err := fb.Begin(context.Background(), tts.Request{Words: []string{"x"}})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping errTest", err)
	}
}

func TestTTSFallback_Begin_EmptyRequest(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{}
	fb := NewTTSFallback(primary, "primary", FallbackConfig{})
	if _, err := fb.Begin(context.Background(), tts.Request{}); !errors.Is(err, tts.ErrEmptyRequest) {
		t.Fatalf("err = %v, want ErrEmptyRequest", err)
	}
	if primary.Calls() != 0 {
		t.Errorf("provider called for an empty request")
	}
}

func TestTTSFallback_Begin_CancelDoesNotTripBreaker(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{BeginErr: context.Canceled}
	secondary := &ttsmock.Provider{}
	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("secondary", secondary)

	for i := 0; i < 3; i++ {
		if _, err := fb.Begin(context.Background(), tts.Request{Words: []string{"x"}}); !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	}
	if secondary.Calls() != 0 {
		t.Errorf("cancelled request failed over to secondary")
	}
	if st := fb.Status()[0]; st.State != "closed" {
		t.Errorf("primary breaker = %s, want closed", st.State)
	}
}

func TestTTSFallback_ListVoices_Failover(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{ListVoicesErr: errTest}
	secondary := &ttsmock.Provider{
		ListVoicesResult: []tts.VoiceProfile{{ID: "v1", Name: "Voice One", Provider: "secondary"}},
	}
	fb := NewTTSFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "v1" {
		t.Errorf("voices = %+v", voices)
	}
}

func TestTTSFallback_Status(t *testing.T) {
	t.Parallel()
	fb := NewTTSFallback(&ttsmock.Provider{BeginErr: errTest}, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fb.AddFallback("secondary", &ttsmock.Provider{})

	if _, err := fb.Begin(context.Background(), tts.Request{Words: []string{"x"}}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	got := fb.Status()
	want := []EntryStatus{{Name: "primary", State: "open"}, {Name: "secondary", State: "closed"}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("status = %+v, want %+v", got, want)
	}
}
