//go:build unix

package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/Neeleshn20/spokensense/pkg/audio"
)

func TestNew_RejectsEmptyCommand(t *testing.T) {
	t.Parallel()
	if _, err := New("   "); err == nil {
		t.Fatal("empty command accepted")
	}
}

func TestDevice_ArgsExpandPlaceholders(t *testing.T) {
	t.Parallel()
	d, err := New(`aplay -q -t raw -f S16_LE -r {rate} -c {channels} --name "spoken sense"`)
	if err != nil {
		t.Fatal(err)
	}
	got := d.Args(audio.Format{SampleRate: 22050, Channels: 1})
	want := []string{"aplay", "-q", "-t", "raw", "-f", "S16_LE", "-r", "22050", "-c", "1", "--name", "spoken sense"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("args = %q, want %q", got, want)
	}
}

func TestSink_PipesPCMToPlayer(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	out := filepath.Join(dir, "out.raw")
	info := filepath.Join(dir, "fmt.txt")
	d, err := New(fmt.Sprintf(`sh -c 'echo {rate} {channels} > %s; cat > %s'`, info, out), WithLead(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	sink, err := d.Open(context.Background(), audio.Format{SampleRate: 16000, Channels: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	if _, err := sink.Write(pcm); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sink.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := sink.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, pcm) {
		t.Errorf("player received %v, want %v", got, pcm)
	}
	f, _ := os.ReadFile(info)
	if strings.TrimSpace(string(f)) != "16000 2" {
		t.Errorf("format args = %q", f)
	}
	if _, err := sink.Write(pcm); !errors.Is(err, audio.ErrClosed) {
		t.Errorf("write after close err = %v, want ErrClosed", err)
	}
}

func TestSink_PlayerExitIsWriteError(t *testing.T) {
	t.Parallel()
	d, err := New(`sh -c 'echo no audio device >&2; exit 3'`, WithLead(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	sink, err := d.Open(context.Background(), audio.Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	deadline := time.Now().Add(5 * time.Second)
	chunk := make([]byte, 4096)
	for time.Now().Before(deadline) {
		if _, err := sink.Write(chunk); err != nil {
			if errors.Is(err, audio.ErrClosed) {
				t.Fatalf("err = %v, want a player error", err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("writes kept succeeding after the player exited")
}

func TestSink_FlushedCloseKillsPlayer(t *testing.T) {
	t.Parallel()
	d, err := New(`sleep 30`, WithLead(time.Hour), WithCloseTimeout(10*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	sink, err := d.Open(context.Background(), audio.Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	_ = sink.Flush()
	start := time.Now()
	_ = sink.Close()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Close after Flush took %v", elapsed)
	}
}
