package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Neeleshn20/spokensense/pkg/audio"
	"github.com/Neeleshn20/spokensense/pkg/audio/mock"
)

func TestSink_GatedWrites(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{Gate: make(chan struct{})}
	sink, err := dev.Open(context.Background(), audio.Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	wrote := make(chan struct{})
	go func() {
		_, _ = sink.Write([]byte{1, 2})
		close(wrote)
	}()
	select {
	case <-wrote:
		t.Fatal("write completed without gate")
	case <-time.After(20 * time.Millisecond):
	}
	dev.Gate <- struct{}{}
	<-wrote
	if got := dev.Last().Written(); len(got) != 2 {
		t.Errorf("written = %v", got)
	}
}

func TestSink_CloseUnblocksWrite(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{Gate: make(chan struct{})}
	sink, _ := dev.Open(context.Background(), audio.Format{SampleRate: 16000, Channels: 1})
	errc := make(chan error, 1)
	go func() {
		_, err := sink.Write([]byte{1, 2})
		errc <- err
	}()
	_ = sink.Close()
	if err := <-errc; !errors.Is(err, audio.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if dev.OpenSinks() != 0 {
		t.Errorf("open sinks = %d", dev.OpenSinks())
	}
}

func TestSink_WriteErrAfter(t *testing.T) {
	t.Parallel()
	boom := errors.New("device unplugged")
	dev := &mock.Device{WriteErr: boom, FailAfter: 4}
	sink, _ := dev.Open(context.Background(), audio.Format{SampleRate: 16000, Channels: 1})
	if _, err := sink.Write([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := sink.Write([]byte{5, 6}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}
