package highlight

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Neeleshn20/spokensense/pkg/types"
)

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectClosed(t *testing.T, s *Subscription) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("subscription channel not closed")
		}
	}
}

func advance(i int) Event {
	return Event{Kind: Advance, UtteranceID: "u1", Page: 0, Index: i, Unit: types.TextUnit{Index: i, Text: "w"}}
}

func TestBus_DeliversInOrderWithSequence(t *testing.T) {
	t.Parallel()
	b := New()
	defer b.Close()
	a, c := b.Subscribe(), b.Subscribe()

	b.Publish(Event{Kind: Start, UtteranceID: "u1", Index: -1})
	for i := 0; i < 5; i++ {
		b.Publish(advance(i))
	}

	for _, s := range []*Subscription{a, c} {
		if ev := recv(t, s); ev.Kind != Start || ev.Seq != 1 {
			t.Fatalf("first event = %+v, want start seq 1", ev)
		}
		for i := 0; i < 5; i++ {
			ev := recv(t, s)
			if ev.Kind != Advance || ev.Index != i || ev.Seq != uint64(i+2) || ev.Coalesced != 0 {
				t.Fatalf("event %d = %+v", i, ev)
			}
		}
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New(WithQueueSize(4))
	defer b.Close()
	_ = b.Subscribe() // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			b.Publish(advance(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stalled subscriber")
	}
}

func TestBus_OverflowCollapsesToJump(t *testing.T) {
	t.Parallel()
	b := New()
	defer b.Close()
	slow := b.Subscribe(WithBuffer(4))

	const n = 20
	for i := 0; i < n; i++ {
		b.Publish(advance(i))
	}

	var (
		accounted int
		sawJump   bool
		last      Event
	)
	for accounted < n {
		ev := recv(t, slow)
		if ev.Index <= last.Index && accounted > 0 {
			t.Fatalf("index went backwards: %d after %d", ev.Index, last.Index)
		}
		if ev.Coalesced > 0 {
			if ev.Kind != Jump {
				t.Errorf("coalesced event kind = %s, want jump", ev.Kind)
			}
			sawJump = true
		}
		accounted += 1 + ev.Coalesced
		last = ev
	}
	if accounted != n {
		t.Errorf("accounted for %d events, want %d", accounted, n)
	}
	if !sawJump {
		t.Error("no jump delivered to a subscriber that overflowed")
	}
	if last.Index != n-1 {
		t.Errorf("last index = %d, want %d", last.Index, n-1)
	}
	if slow.Coalesced() == 0 {
		t.Error("Coalesced() = 0")
	}
}

func TestBus_OverflowKeepsLifecycleEvents(t *testing.T) {
	t.Parallel()
	b := New()
	defer b.Close()
	slow := b.Subscribe(WithBuffer(8))

	var published []Event
	for _, id := range []string{"u1", "u2"} {
		published = append(published, Event{Kind: Start, UtteranceID: id, Index: -1})
		for i := 0; i < 10; i++ {
			ev := advance(i)
			ev.UtteranceID = id
			published = append(published, ev)
		}
		published = append(published, Event{Kind: Clear, UtteranceID: id, Index: -1})
	}
	for _, ev := range published {
		b.Publish(ev)
	}

	var lifecycle []string
	accounted := 0
	for accounted < len(published) {
		ev := recv(t, slow)
		if !isMove(ev) {
			if ev.Coalesced != 0 {
				t.Errorf("%s %s carries coalesced = %d", ev.Kind, ev.UtteranceID, ev.Coalesced)
			}
			lifecycle = append(lifecycle, ev.Kind.String()+" "+ev.UtteranceID)
		}
		accounted += 1 + ev.Coalesced
	}
	if accounted != len(published) {
		t.Errorf("accounted for %d events, want %d", accounted, len(published))
	}
	want := []string{"start u1", "clear u1", "start u2", "clear u2"}
	if !slices.Equal(lifecycle, want) {
		t.Errorf("lifecycle events = %v, want %v", lifecycle, want)
	}
}

func TestSubscription_EnqueueOverflow(t *testing.T) {
	t.Parallel()
	s := &Subscription{bus: New(), limit: 4, wake: make(chan struct{}, 1)}
	kinds := func() []string {
		var out []string
		for _, ev := range s.queue {
			out = append(out, fmt.Sprintf("%s/%d/%d", ev.Kind, ev.Index, ev.Coalesced))
		}
		return out
	}

	s.enqueue(Event{Kind: Start, Index: -1})
	s.enqueue(advance(0))
	s.enqueue(advance(1))
	s.enqueue(Event{Kind: Clear, Index: -1})
	s.enqueue(Event{Kind: Start, Index: -1})
	if got, want := kinds(), []string{"start/-1/0", "jump/1/1", "clear/-1/0", "start/-1/0"}; !slices.Equal(got, want) {
		t.Fatalf("after move run folded: %v, want %v", got, want)
	}

	// Nothing left to fold: the backlog collapses into the newest event.
	s.enqueue(advance(0))
	if got, want := kinds(), []string{"jump/0/5"}; !slices.Equal(got, want) {
		t.Fatalf("after collapse: %v, want %v", got, want)
	}
	if s.Coalesced() != 5 {
		t.Errorf("Coalesced() = %d, want 5", s.Coalesced())
	}

	s.limit = 1
	s.enqueue(advance(1))
	if got, want := kinds(), []string{"jump/1/6"}; !slices.Equal(got, want) {
		t.Errorf("move joining the trailing jump: %v, want %v", got, want)
	}
}

func TestCompact(t *testing.T) {
	t.Parallel()
	q := []Event{
		advance(0), advance(1), {Kind: Clear, Index: -1},
		{Kind: Start, Index: -1}, {Kind: Jump, Index: 4, Coalesced: 2}, advance(5),
	}
	out, removed := compact(q)
	if removed != 2 || len(out) != 4 {
		t.Fatalf("removed %d, len %d; want 2, 4", removed, len(out))
	}
	if out[0].Kind != Jump || out[0].Index != 1 || out[0].Coalesced != 1 {
		t.Errorf("first run = %+v", out[0])
	}
	if out[3].Kind != Jump || out[3].Index != 5 || out[3].Coalesced != 3 {
		t.Errorf("second run = %+v", out[3])
	}
}

func TestCollapse_KeepsLifecycleKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   Kind
		want Kind
	}{
		{Advance, Jump},
		{Jump, Jump},
		{Clear, Clear},
		{Start, Start},
	}
	for _, tt := range tests {
		got := collapse(Event{Kind: tt.in}, 3)
		if got.Kind != tt.want || got.Coalesced != 3 {
			t.Errorf("collapse(%s) = %s/%d, want %s/3", tt.in, got.Kind, got.Coalesced, tt.want)
		}
	}
}

func TestBus_FilterAndUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	defer b.Close()
	jumps := b.Subscribe(WithFilter(func(ev Event) bool { return ev.Kind == Jump }))

	b.Publish(advance(0))
	b.Publish(Event{Kind: Jump, UtteranceID: "u1", Index: 7})
	if ev := recv(t, jumps); ev.Kind != Jump || ev.Index != 7 || ev.Seq != 2 {
		t.Fatalf("event = %+v, want jump 7 seq 2", ev)
	}

	b.Unsubscribe(jumps)
	b.Unsubscribe(jumps)
	expectClosed(t, jumps)
	if n := b.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d, want 0", n)
	}
	b.Publish(Event{Kind: Jump, Index: 8})
}

func TestBus_Close(t *testing.T) {
	t.Parallel()
	b := New()
	s := b.Subscribe()
	b.Close()
	b.Close()
	expectClosed(t, s)

	late := b.Subscribe()
	expectClosed(t, late)
	if ev := b.Publish(advance(1)); ev.Seq != 0 {
		t.Errorf("publish after close stamped seq %d", ev.Seq)
	}
}

func TestBus_ConcurrentPublishers(t *testing.T) {
	t.Parallel()
	b := New(WithQueueSize(10_000))
	defer b.Close()
	s := b.Subscribe()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Publish(advance(i))
			}
		}()
	}
	wg.Wait()

	var prev uint64
	for i := 0; i < 400; i++ {
		ev := recv(t, s)
		if ev.Seq <= prev {
			t.Fatalf("seq %d after %d", ev.Seq, prev)
		}
		prev = ev.Seq
	}
}

func TestEvent_JSON(t *testing.T) {
	t.Parallel()
	ev := Event{Seq: 3, Kind: Jump, UtteranceID: "u", Page: 2, Index: 4, Elapsed: 650 * time.Millisecond}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["kind"] != "jump" {
		t.Errorf("kind = %v, want \"jump\"", m["kind"])
	}
	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Kind != Jump || back.Index != 4 || back.Elapsed != ev.Elapsed {
		t.Errorf("decoded = %+v", back)
	}
	if _, err := Kind(42).MarshalText(); err == nil {
		t.Error("unknown kind marshalled without error")
	}
}
