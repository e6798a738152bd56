package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	var retried []int
	p := Policy{
		MaxAttempts: 5,
		OnRetry:     func(attempt int, _ error) { retried = append(retried, attempt) },
	}

	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", retried)
	}
}

func TestDo_Exhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5}, func(context.Context) error {
		calls++
		return errFlaky
	})
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("Do() error = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, errFlaky) {
		t.Errorf("Do() error = %v, want last error wrapped", err)
	}
}

func TestDo_Permanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5}, func(context.Context) error {
		calls++
		return Permanent(errFlaky)
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, errFlaky) {
		t.Errorf("Do() error = %v, want %v", err, errFlaky)
	}
	if errors.Is(err, ErrExhausted) {
		t.Error("permanent failure reported as exhaustion")
	}
	if IsPermanent(err) {
		t.Error("Do() should unwrap the permanent marker")
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{}, func(context.Context) error { //nolint:errcheck // Counting calls only
		calls++
		return errFlaky
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_CancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Policy{MaxAttempts: 5, InitialDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, p, func(context.Context) error {
			calls++
			return errFlaky
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Do() error = %v, want context.Canceled", err)
		}
		if !errors.Is(err, errFlaky) {
			t.Errorf("Do() error = %v, want last attempt error kept", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do() did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Do(ctx, DefaultPolicy(), func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("operation ran on a cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
}

// delays returns the first n waits the policy's backoff produces.
func delays(p Policy, n int) []time.Duration {
	b := p.backOff()
	b.Reset()
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = b.NextBackOff()
	}
	return out
}

func TestPolicy_BackOff(t *testing.T) {
	ms := time.Millisecond
	tests := []struct {
		name string
		p    Policy
		want []time.Duration
	}{
		{"fixed", Policy{InitialDelay: 100 * ms, Multiplier: 1}, []time.Duration{100 * ms, 100 * ms, 100 * ms, 100 * ms}},
		{"multiplier below one is fixed", Policy{InitialDelay: 100 * ms}, []time.Duration{100 * ms, 100 * ms, 100 * ms}},
		{"exponential", Policy{InitialDelay: 100 * ms, Multiplier: 2}, []time.Duration{100 * ms, 200 * ms, 400 * ms}},
		{"capped", Policy{InitialDelay: 100 * ms, Multiplier: 2, MaxDelay: 250 * ms}, []time.Duration{100 * ms, 200 * ms, 250 * ms, 250 * ms}},
		{"fixed above cap", Policy{InitialDelay: time.Second, MaxDelay: 250 * ms}, []time.Duration{250 * ms, 250 * ms}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := delays(tt.p, len(tt.want))
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("delays = %v, want %v", got, tt.want)
				}
			}
		})
	}

	jittered := Policy{InitialDelay: 100 * ms, MaxJitter: 50 * ms}
	for _, got := range delays(jittered, 20) {
		if got < 100*ms || got >= 150*ms {
			t.Fatalf("jittered delay = %v, want within [100ms, 150ms)", got)
		}
	}
}

func TestPolicy_BackOffUncappedStaysBounded(t *testing.T) {
	p := Policy{InitialDelay: time.Second, Multiplier: 1e6}
	for i, got := range delays(p, 10) {
		if got <= 0 || got > maxBackOff {
			t.Fatalf("delay %d = %v, want within (0, %v]", i+1, got, maxBackOff)
		}
	}
}

func TestDo_ExhaustedAfterPermanentOnLastAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 2}, func(context.Context) error {
		calls++
		if calls == 2 {
			return Permanent(errFlaky)
		}
		return errors.New("transient")
	})
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if !errors.Is(err, errFlaky) || IsPermanent(err) {
		t.Errorf("Do() error = %v, want unwrapped permanent error", err)
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", p.MaxAttempts)
	}
	for _, d := range delays(p, 4) {
		if d != 100*time.Millisecond {
			t.Fatalf("default delay = %v, want a fixed 100ms", d)
		}
	}
}
