package miner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/mining"
	"github.com/bardlex/qpow/internal/registry"
	"github.com/bardlex/qpow/pkg/errors"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// fakeStrategy records calls and answers polls from a table.
type fakeStrategy struct {
	name      string
	submitErr error
	pollErr   error
	down      bool

	mu        sync.Mutex
	submitted []string
	cancelled []string
	results   map[string]Result
}

func newFakeStrategy(name string) *fakeStrategy {
	return &fakeStrategy{name: name, results: make(map[string]Result)}
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Available() bool { return !f.down }

func (f *fakeStrategy) Submit(_ context.Context, jobID string, _ *block.Template) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, jobID)
	f.results[jobID] = Result{State: mining.StateRunning}
	return nil
}

func (f *fakeStrategy) Poll(_ context.Context, jobID string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return Result{}, f.pollErr
	}
	res, ok := f.results[jobID]
	if !ok {
		return Result{State: mining.StateUnknown}, nil
	}
	return res, nil
}

func (f *fakeStrategy) Cancel(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeStrategy) setResult(jobID string, res Result) {
	f.mu.Lock()
	f.results[jobID] = res
	f.mu.Unlock()
}

func (f *fakeStrategy) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeStrategy) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func template(parent string, height uint64) *block.Template {
	return &block.Template{
		Parent:    chainhash.HashH([]byte(parent)),
		Height:    height,
		Timestamp: 1_700_000_000_000 + height,
		Target:    block.TargetWithLeadingZeros(8),
	}
}

var errUnreachable = errors.New(errors.ErrorTypeUnreachable, "remote_submit", "connection refused")

func TestMemoryDedup_TTL(t *testing.T) {
	d := NewMemoryDedup()
	clock := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return clock }
	ctx := context.Background()

	holder, claimed, _ := d.Claim(ctx, "tmpl", "job-1", 30*time.Second)
	if !claimed || holder != "job-1" {
		t.Fatalf("first claim = %s, %v", holder, claimed)
	}

	clock = clock.Add(29 * time.Second)
	holder, claimed, _ = d.Claim(ctx, "tmpl", "job-2", 30*time.Second)
	if claimed || holder != "job-1" {
		t.Errorf("claim inside TTL = %s, %v; want job-1, false", holder, claimed)
	}

	clock = clock.Add(time.Second)
	holder, claimed, _ = d.Claim(ctx, "tmpl", "job-3", 30*time.Second)
	if !claimed || holder != "job-3" {
		t.Errorf("claim after TTL = %s, %v; want job-3, true", holder, claimed)
	}

	_ = d.Release(ctx, "tmpl")
	if d.Len() != 0 {
		t.Errorf("Len() after release = %d", d.Len())
	}
}

func TestClient_SubmitDedup(t *testing.T) {
	strategy := newFakeStrategy("local")
	dedup := NewMemoryDedup()
	clock := time.Now()
	dedup.now = func() time.Time { return clock }

	c := NewClient(strategy, Config{DedupTTL: 30 * time.Second}, nil, WithDedupStore(dedup))
	ctx := context.Background()
	tmpl := template("a", 100)

	first, err := c.Submit(ctx, tmpl)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	second, err := c.Submit(ctx, tmpl)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if first != second {
		t.Errorf("identical template got a new job: %s vs %s", first, second)
	}
	if strategy.submitCount() != 1 {
		t.Errorf("strategy saw %d submissions, want 1", strategy.submitCount())
	}

	other, _ := c.Submit(ctx, template("a", 101))
	if other == first {
		t.Error("a different template must get its own job")
	}

	clock = clock.Add(31 * time.Second)
	third, err := c.Submit(ctx, tmpl)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if third == first {
		t.Error("resubmission after the dedup window should start a new job")
	}

	job, _ := c.Registry().Get(first)
	if job.Status != registry.StatusRunning {
		t.Errorf("dispatched job status = %s, want running", job.Status)
	}
}

func TestClient_SubmitInvalidTemplate(t *testing.T) {
	c := NewClient(newFakeStrategy("local"), Config{}, nil)
	tmpl := template("a", 0)

	if _, err := c.Submit(context.Background(), tmpl); !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if c.Registry().Len() != 0 {
		t.Error("an invalid template must not create a job")
	}
}

func TestClient_FallbackToLocal(t *testing.T) {
	remote := newFakeStrategy("remote")
	remote.submitErr = errUnreachable
	local := newFakeStrategy("local")

	c := NewClient(remote, Config{}, nil, WithFallback(local))
	id, err := c.Submit(context.Background(), template("a", 100))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if local.submitCount() != 1 {
		t.Errorf("fallback saw %d submissions, want 1", local.submitCount())
	}
	if !c.Mining() {
		t.Error("client with a working fallback should still be mining")
	}

	// an open breaker routes new work straight to the fallback
	remote.down = true
	remote.submitErr = nil
	if _, err := c.Submit(context.Background(), template("a", 101)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if remote.submitCount() != 0 || local.submitCount() != 2 {
		t.Errorf("remote=%d local=%d submissions", remote.submitCount(), local.submitCount())
	}

	local.setResult(id, Result{State: mining.StateFound, Seal: &block.Seal{Nonce: block.NonceFromUint64(7)}})
	seal, err := c.Poll(context.Background(), id)
	if err != nil || seal == nil {
		t.Fatalf("Poll() = %v, %v", seal, err)
	}
}

func TestClient_NotMiningWithoutFallback(t *testing.T) {
	remote := newFakeStrategy("remote")
	remote.submitErr = errUnreachable

	var mu sync.Mutex
	var signals []bool
	c := NewClient(remote, Config{}, nil, WithAvailabilityHook(func(ok bool, _ string) {
		mu.Lock()
		signals = append(signals, ok)
		mu.Unlock()
	}))

	tmpl := template("a", 100)
	_, err := c.Submit(context.Background(), tmpl)
	if !errors.IsType(err, errors.ErrorTypeUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	if c.Mining() {
		t.Error("Mining() should be false after the only strategy failed")
	}

	// the failed job is not handed back on resubmission
	remote.submitErr = nil
	id, err := c.Submit(context.Background(), tmpl)
	if err != nil {
		t.Fatalf("Submit() after recovery error = %v", err)
	}
	job, _ := c.Registry().Get(id)
	if job.Status != registry.StatusRunning {
		t.Errorf("status = %s, want running", job.Status)
	}
	if !c.Mining() {
		t.Error("Mining() should recover after a successful dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(signals) != 2 || signals[0] || !signals[1] {
		t.Errorf("availability signals = %v, want [false true]", signals)
	}
}

func TestClient_PollNeverMarksFound(t *testing.T) {
	strategy := newFakeStrategy("local")
	c := NewClient(strategy, Config{}, nil)
	ctx := context.Background()

	id, _ := c.Submit(ctx, template("a", 100))
	if seal, err := c.Poll(ctx, id); seal != nil || err != nil {
		t.Fatalf("Poll() before result = %v, %v", seal, err)
	}

	strategy.setResult(id, Result{State: mining.StateFound, Seal: &block.Seal{Nonce: block.NonceFromUint64(3)}})
	candidates := c.PollAll(ctx)
	if len(candidates) != 1 || candidates[0].JobID != id {
		t.Fatalf("PollAll() = %+v", candidates)
	}

	job, _ := c.Registry().Get(id)
	if job.Status != registry.StatusRunning {
		t.Errorf("status = %s; polling must leave the job running", job.Status)
	}

	if _, err := c.Poll(ctx, "missing"); !errors.IsType(err, errors.ErrorTypeUnknownJob) {
		t.Errorf("expected unknown_job, got %v", err)
	}
}

func TestClient_PollLostJobExpires(t *testing.T) {
	strategy := newFakeStrategy("remote")
	c := NewClient(strategy, Config{}, nil)
	ctx := context.Background()

	id, _ := c.Submit(ctx, template("a", 100))
	strategy.setResult(id, Result{State: mining.StateUnknown})

	if seal, err := c.Poll(ctx, id); seal != nil || err != nil {
		t.Fatalf("Poll() = %v, %v", seal, err)
	}
	job, _ := c.Registry().Get(id)
	if job.Status != registry.StatusExpired {
		t.Errorf("status = %s, want expired", job.Status)
	}
}

func TestClient_PollUnreachable(t *testing.T) {
	strategy := newFakeStrategy("remote")
	c := NewClient(strategy, Config{}, nil)
	ctx := context.Background()

	id, _ := c.Submit(ctx, template("a", 100))
	strategy.pollErr = errUnreachable

	if _, err := c.Poll(ctx, id); !errors.IsType(err, errors.ErrorTypeUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	if c.Mining() {
		t.Error("Mining() should drop when the active strategy cannot be polled")
	}
	if got := c.PollAll(ctx); len(got) != 0 {
		t.Errorf("PollAll() = %v, want none", got)
	}
}

// countingStrategy counts the polls that reach the miner.
type countingStrategy struct {
	*fakeStrategy
	polls atomic.Int32
}

func (c *countingStrategy) Poll(ctx context.Context, jobID string) (Result, error) {
	c.polls.Add(1)
	return c.fakeStrategy.Poll(ctx, jobID)
}

func TestClient_PollAllStopsWhenRoundExpires(t *testing.T) {
	strategy := &countingStrategy{fakeStrategy: newFakeStrategy("remote")}
	c := NewClient(strategy, Config{}, nil)

	for h := uint64(100); h < 103; h++ {
		if _, err := c.Submit(context.Background(), template("a", h)); err != nil {
			t.Fatalf("Submit(%d) error = %v", h, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := c.PollAll(ctx); len(got) != 0 {
		t.Errorf("PollAll() = %v, want none", got)
	}
	if n := strategy.polls.Load(); n != 0 {
		t.Errorf("polls after the round ended = %d, want 0", n)
	}

	c.PollAll(context.Background())
	if n := strategy.polls.Load(); n != 3 {
		t.Errorf("polls = %d, want 3", n)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestClient_OnNewTip(t *testing.T) {
	strategy := newFakeStrategy("remote")
	c := NewClient(strategy, Config{}, nil)
	ctx := context.Background()

	a1, _ := c.Submit(ctx, template("a", 100))
	a2, _ := c.Submit(ctx, &block.Template{
		Parent:    chainhash.HashH([]byte("a")),
		Height:    100,
		Timestamp: 42,
		Target:    block.TargetWithLeadingZeros(8),
	})
	b, _ := c.Submit(ctx, template("b", 101))

	stale := c.OnNewTip(ctx, chainhash.HashH([]byte("b")))
	if len(stale) != 2 {
		t.Fatalf("superseded %v, want the two jobs on a", stale)
	}

	for _, id := range []string{a1, a2} {
		job, _ := c.Registry().Get(id)
		if job.Status != registry.StatusStale {
			t.Errorf("job %s status = %s, want stale", id, job.Status)
		}
	}
	if job, _ := c.Registry().Get(b); job.Status != registry.StatusRunning {
		t.Errorf("job on the new tip status = %s, want running", job.Status)
	}

	waitFor(t, func() bool { return len(strategy.cancelledIDs()) == 2 })
	for _, id := range strategy.cancelledIDs() {
		if id == b {
			t.Error("job on the new tip was cancelled")
		}
	}
}

func TestClient_Cancel(t *testing.T) {
	strategy := newFakeStrategy("local")
	c := NewClient(strategy, Config{}, nil)
	ctx := context.Background()

	id, _ := c.Submit(ctx, template("a", 100))
	c.Cancel(ctx, id)
	c.Cancel(ctx, id)
	c.Cancel(ctx, "missing")

	job, _ := c.Registry().Get(id)
	if job.Status != registry.StatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
	waitFor(t, func() bool { return len(strategy.cancelledIDs()) == 1 })
}

func TestClient_ObserverForwarding(t *testing.T) {
	var mu sync.Mutex
	var seen []registry.Status
	obs := registry.ObserverFunc(func(job registry.Job, _ registry.Status) {
		mu.Lock()
		seen = append(seen, job.Status)
		mu.Unlock()
	})

	c := NewClient(newFakeStrategy("local"), Config{}, nil, WithObserver(obs))
	id, _ := c.Submit(context.Background(), template("a", 100))
	c.Cancel(context.Background(), id)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != registry.StatusRunning || seen[1] != registry.StatusCancelled {
		t.Errorf("observed %v, want [running cancelled]", seen)
	}
}
