package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	qerrors "github.com/bardlex/qpow/pkg/errors"
)

var errMinerDown = errors.New("miner unreachable")

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.MaxFailures != 5 || config.SuccessRequired != 3 {
		t.Errorf("thresholds = %d/%d, want 5/3", config.MaxFailures, config.SuccessRequired)
	}
	if config.Timeout != 30*time.Second || config.ResetTimeout != 60*time.Second {
		t.Errorf("timeouts = %v/%v, want 30s/60s", config.Timeout, config.ResetTimeout)
	}
}

func TestNew_NilConfig(t *testing.T) {
	breaker := New(nil)

	if breaker.config == nil {
		t.Error("Expected default config when nil is passed")
	}
	if breaker.GetState() != StateClosed {
		t.Errorf("initial state = %s, want closed", breaker.GetState())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

// step is one call against the breaker. A wait before the call lets the
// open timeout elapse.
type step struct {
	wait time.Duration
	fail bool
}

func TestBreaker_Scenarios(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		steps     []step
		wantState State
		wantCalls int
	}{
		{
			name:      "success keeps circuit closed",
			config:    Config{MaxFailures: 3, SuccessRequired: 2, Timeout: 10 * time.Second, ResetTimeout: 30 * time.Second},
			steps:     []step{{}},
			wantState: StateClosed,
			wantCalls: 1,
		},
		{
			name:      "failures open the circuit and later calls are rejected",
			config:    Config{MaxFailures: 2, SuccessRequired: 1, Timeout: 10 * time.Second, ResetTimeout: 30 * time.Second},
			steps:     []step{{fail: true}, {fail: true}, {fail: true}, {}},
			wantState: StateOpen,
			wantCalls: 2,
		},
		{
			name:      "trial call after timeout closes on success",
			config:    Config{MaxFailures: 2, SuccessRequired: 1, Timeout: time.Millisecond, ResetTimeout: 30 * time.Second},
			steps:     []step{{fail: true}, {fail: true}, {wait: 5 * time.Millisecond}},
			wantState: StateClosed,
			wantCalls: 3,
		},
		{
			name:      "failed trial call reopens",
			config:    Config{MaxFailures: 2, SuccessRequired: 1, Timeout: time.Millisecond, ResetTimeout: 30 * time.Second},
			steps:     []step{{fail: true}, {fail: true}, {wait: 5 * time.Millisecond, fail: true}},
			wantState: StateOpen,
			wantCalls: 3,
		},
		{
			name:      "half-open needs every required success",
			config:    Config{MaxFailures: 2, SuccessRequired: 3, Timeout: time.Millisecond, ResetTimeout: 30 * time.Second},
			steps:     []step{{fail: true}, {fail: true}, {wait: 5 * time.Millisecond}, {}},
			wantState: StateHalfOpen,
			wantCalls: 4,
		},
		{
			name:      "half-open closes after required successes",
			config:    Config{MaxFailures: 2, SuccessRequired: 3, Timeout: time.Millisecond, ResetTimeout: 30 * time.Second},
			steps:     []step{{fail: true}, {fail: true}, {wait: 5 * time.Millisecond}, {}, {}},
			wantState: StateClosed,
			wantCalls: 5,
		},
		{
			name:      "failure count resets after quiet period",
			config:    Config{MaxFailures: 2, SuccessRequired: 1, Timeout: 10 * time.Second, ResetTimeout: time.Millisecond},
			steps:     []step{{fail: true}, {wait: 5 * time.Millisecond, fail: true}},
			wantState: StateClosed,
			wantCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := tt.config
			breaker := New(&config)
			ctx := context.Background()

			calls := 0
			for _, s := range tt.steps {
				if s.wait > 0 {
					time.Sleep(s.wait)
				}
				_ = breaker.Execute(ctx, func() error {
					calls++
					if s.fail {
						return errMinerDown
					}
					return nil
				})
			}

			if got := breaker.GetState(); got != tt.wantState {
				t.Errorf("state = %s, want %s", got, tt.wantState)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestBreaker_OpenError(t *testing.T) {
	breaker := New(&Config{Name: "remote_miner", MaxFailures: 1, SuccessRequired: 1, Timeout: time.Minute, ResetTimeout: time.Minute})
	ctx := context.Background()

	_ = breaker.Execute(ctx, func() error { return errMinerDown })
	err := breaker.Execute(ctx, func() error { return nil })

	if !qerrors.IsType(err, qerrors.ErrorTypeUnreachable) {
		t.Errorf("open error type = %v, want unreachable", qerrors.TypeOf(err))
	}
	if !IsOpen(err) {
		t.Error("IsOpen() = false for an open-circuit rejection")
	}
	var se *qerrors.ServiceError
	if !errors.As(err, &se) || se.Operation != "remote_miner" {
		t.Errorf("open error = %v, want operation remote_miner", err)
	}
}

func TestExecuteWithResult(t *testing.T) {
	breaker := New(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: time.Minute, ResetTimeout: time.Minute})
	ctx := context.Background()

	got, err := ExecuteWithResult(ctx, breaker, func() (string, error) { return "job-1", nil })
	if err != nil || got != "job-1" {
		t.Fatalf("ExecuteWithResult() = %q, %v", got, err)
	}

	_, _ = ExecuteWithResult(ctx, breaker, func() (string, error) { return "", errMinerDown })

	got, err = ExecuteWithResult(ctx, breaker, func() (string, error) { return "should not run", nil })
	if err == nil {
		t.Error("expected rejection while open")
	}
	if got != "" {
		t.Errorf("result while open = %q, want zero value", got)
	}
}

func TestBreaker_StatsAndReset(t *testing.T) {
	breaker := New(&Config{MaxFailures: 3, SuccessRequired: 2, Timeout: 10 * time.Second, ResetTimeout: 30 * time.Second})
	ctx := context.Background()

	_ = breaker.Execute(ctx, func() error { return nil })
	_ = breaker.Execute(ctx, func() error { return errMinerDown })

	stats := breaker.GetStats()
	if stats.State != StateClosed || stats.Failures != 1 || stats.Successes != 1 {
		t.Errorf("stats = %+v, want closed with 1 failure and 1 success", stats)
	}
	if stats.LastFailTime.IsZero() {
		t.Error("LastFailTime not set")
	}

	_ = breaker.Execute(ctx, func() error { return errMinerDown })
	_ = breaker.Execute(ctx, func() error { return errMinerDown })
	if breaker.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", breaker.GetState())
	}

	breaker.Reset()
	stats = breaker.GetStats()
	if stats.State != StateClosed || stats.Failures != 0 || stats.Successes != 0 {
		t.Errorf("stats after reset = %+v", stats)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	breaker := New(&Config{
		Name:            "remote_miner",
		MaxFailures:     1,
		SuccessRequired: 1,
		Timeout:         1 * time.Millisecond,
		ResetTimeout:    30 * time.Second,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	ctx := context.Background()
	_ = breaker.Execute(ctx, func() error { return errMinerDown })
	time.Sleep(5 * time.Millisecond)
	_ = breaker.Execute(ctx, func() error { return nil })

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestIsOpen_GuardedError(t *testing.T) {
	breaker := New(DefaultConfig())

	err := breaker.Execute(context.Background(), func() error {
		return qerrors.New(qerrors.ErrorTypeUnreachable, "poll", "connection refused")
	})
	if IsOpen(err) {
		t.Error("Expected errors from the guarded call not to look like an open circuit")
	}
	if IsOpen(nil) {
		t.Error("Expected IsOpen(nil) to be false")
	}
}

func TestBreaker_Ready(t *testing.T) {
	breaker := New(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: 20 * time.Millisecond, ResetTimeout: time.Minute})

	if !breaker.Ready() {
		t.Error("closed breaker should be ready")
	}
	_ = breaker.Execute(context.Background(), func() error { return errMinerDown })
	if breaker.Ready() {
		t.Error("freshly opened breaker should not be ready")
	}

	time.Sleep(40 * time.Millisecond)
	if !breaker.Ready() {
		t.Error("open breaker should be ready once its timeout passed")
	}
	if breaker.GetState() != StateOpen {
		t.Errorf("Ready() changed state to %s", breaker.GetState())
	}
}
