package resilience

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failing  map[string]bool
		wantCall string
		wantErr  bool
	}{
		{name: "primary succeeds", wantCall: "primary"},
		{name: "primary fails", failing: map[string]bool{"primary": true}, wantCall: "secondary"},
		{name: "all fail", failing: map[string]bool{"primary": true, "secondary": true}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := NewFallbackGroup("p", "primary", FallbackConfig{
				CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
			})
			fg.AddFallback("secondary", "s")

			var called string
			err := fg.Execute(func(name string, _ string) error {
				if tt.failing[name] {
					return errTest
				}
				called = name
				return nil
			})
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping errTest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if called != tt.wantCall {
				t.Fatalf("called = %q, want %q", called, tt.wantCall)
			}
		})
	}
}

func TestFallbackGroup_CircuitBreakerSkipsOpenProvider(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("p", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "s")

	primaryCalls := 0
	for i := 0; i < 2; i++ {
		_ = fg.Execute(func(name string, _ string) error {
			if name == "primary" {
				primaryCalls++
				return errTest
			}
			return nil
		})
	}

	var called string
	if err := fg.Execute(func(name string, _ string) error {
		if name == "primary" {
			primaryCalls++
		}
		called = name
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "secondary" || primaryCalls != 2 {
		t.Fatalf("called = %q after %d primary calls, want secondary after 2", called, primaryCalls)
	}

	want := []EntryStatus{{Name: "primary", State: "open"}, {Name: "secondary", State: "closed"}}
	if got := fg.Status(); !reflect.DeepEqual(got, want) {
		t.Errorf("Status() = %+v, want %+v", got, want)
	}
}

func TestFallbackGroup_CancellationStopsFailover(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(1, "one", FallbackConfig{})
	fg.AddFallback("two", 2)

	var tried []string
	_, err := ExecuteWithResult(fg, func(name string, _ int) (int, error) {
		tried = append(tried, name)
		return 0, context.Canceled
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want bare context.Canceled", err)
	}
	if !reflect.DeepEqual(tried, []string{"one"}) {
		t.Errorf("tried = %v, want [one]", tried)
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(fg, func(_ string, v int) (int, error) {
		if v == 10 {
			return 0, errTest
		}
		return v * 2, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 40 {
		t.Fatalf("result = %d, want 40", result)
	}
	if got := fg.Names(); !reflect.DeepEqual(got, []string{"ten", "twenty"}) {
		t.Errorf("Names() = %v", got)
	}
}
