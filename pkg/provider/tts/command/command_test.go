//go:build unix

package command

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/Neeleshn20/spokensense/pkg/provider/tts"
)

// script writes an engine script and returns the command running it.
func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return "sh " + path
}

func drain(t *testing.T, s tts.Stream) ([]byte, []tts.Timing) {
	t.Helper()
	var pcm []byte
	var timings []tts.Timing
	timingsDone := make(chan struct{})
	go func() {
		defer close(timingsDone)
		for tm := range s.Timings() {
			timings = append(timings, tm)
		}
	}()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-s.Frames():
			if !ok {
				<-timingsDone
				return pcm, timings
			}
			pcm = append(pcm, f...)
		case <-deadline:
			t.Fatal("stream did not end")
		}
	}
}

func TestBegin_StreamsPCMAndTimings(t *testing.T) {
	t.Parallel()
	reqFile := filepath.Join(t.TempDir(), "request.json")
	cmd := script(t, `cat > `+reqFile+`
echo '{"pcm_base64":"AQACAA==","words":[{"index":0,"start_ms":0,"end_ms":120},{"index":9,"start_ms":0,"end_ms":1}]}'
echo ''
echo '{"pcm_base64":"AwAEAA==","words":[{"index":1,"start_ms":120,"end_ms":300}]}'
echo '{"final":true}'
`)
	p, err := New(cmd)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := p.Begin(context.Background(), tts.Request{
		Words: []string{"The", "cat"},
		Voice: tts.VoiceProfile{ID: "amy", SpeedFactor: 1.2},
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	pcm, timings := drain(t, stream)
	if err := stream.Err(); err != nil {
		t.Fatalf("stream err: %v", err)
	}
	if want := []byte{1, 0, 2, 0, 3, 0, 4, 0}; !reflect.DeepEqual(pcm, want) {
		t.Errorf("pcm = %v, want %v", pcm, want)
	}
	wantTimings := []tts.Timing{
		{Index: 0, Start: 0, End: 120 * time.Millisecond},
		{Index: 1, Start: 120 * time.Millisecond, End: 300 * time.Millisecond},
	}
	if !reflect.DeepEqual(timings, wantTimings) {
		t.Errorf("timings = %+v, want %+v", timings, wantTimings)
	}

	raw, err := os.ReadFile(reqFile)
	if err != nil {
		t.Fatal(err)
	}
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("engine received invalid JSON %q: %v", raw, err)
	}
	if req.Text != "The cat" || req.Voice != "amy" || req.Speed != 1.2 || req.SampleRate != 22050 || req.Channels != 1 {
		t.Errorf("request = %+v", req)
	}
}

func TestBegin_EngineErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "error line", body: `cat >/dev/null; echo '{"error":"voice not installed"}'`, want: "voice not installed"},
		{name: "bad json", body: `cat >/dev/null; echo 'not json'`, want: "decode response"},
		{name: "exit status", body: "cat >/dev/null; echo 'model missing' >&2; exit 2", want: "model missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(script(t, tt.body))
			if err != nil {
				t.Fatal(err)
			}
			stream, err := p.Begin(context.Background(), tts.Request{Words: []string{"hi"}})
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			drain(t, stream)
			if err := stream.Err(); err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestBegin_CancelKillsEngine(t *testing.T) {
	t.Parallel()
	p, err := New(script(t, "cat >/dev/null; exec sleep 30"))
	if err != nil {
		t.Fatal(err)
	}
	stream, err := p.Begin(context.Background(), tts.Request{Words: []string{"hi"}})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	stream.Cancel()
	drain(t, stream)
	if time.Since(start) > 3*time.Second {
		t.Errorf("cancel took %v", time.Since(start))
	}
	if !errors.Is(stream.Err(), context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", stream.Err())
	}
}

func TestNewAndListVoices(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("empty command accepted")
	}
	p, err := New("piper --model x", WithVoices(tts.VoiceProfile{ID: "amy", Provider: "piper"}))
	if err != nil {
		t.Fatal(err)
	}
	voices, _ := p.ListVoices(context.Background())
	if len(voices) != 1 || voices[0].ID != "amy" {
		t.Errorf("voices = %+v", voices)
	}
	if _, err := p.Begin(context.Background(), tts.Request{}); !errors.Is(err, tts.ErrEmptyRequest) {
		t.Errorf("err = %v, want ErrEmptyRequest", err)
	}
}
