package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/pkg/errors"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func template(parent string, height uint64) block.Template {
	return block.Template{
		Parent: chainhash.HashH([]byte(parent)),
		Height: height,
		Target: block.TargetWithLeadingZeros(8),
	}
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{StatusPending, "pending"},
		{StatusRunning, "running"},
		{StatusFound, "found"},
		{StatusStale, "stale"},
		{StatusCancelled, "cancelled"},
		{StatusExpired, "expired"},
		{Status(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.expected {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.expected)
		}
	}
}

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPending, StatusRunning, StatusFound, StatusStale, StatusCancelled, StatusExpired}
	legal := map[[2]Status]bool{
		{StatusPending, StatusRunning}:   true,
		{StatusPending, StatusStale}:     true,
		{StatusPending, StatusCancelled}: true,
		{StatusPending, StatusExpired}:   true,
		{StatusRunning, StatusFound}:     true,
		{StatusRunning, StatusStale}:     true,
		{StatusRunning, StatusCancelled}: true,
		{StatusRunning, StatusExpired}:   true,
	}

	for _, from := range all {
		for _, to := range all {
			if got := CanTransition(from, to); got != legal[[2]Status{from, to}] {
				t.Errorf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}

func TestRegistry_CreateUniqueIDs(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)
	tmpl := template("a", 1)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := r.Create(tmpl)
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}

	job, ok := r.Get(r.Create(tmpl))
	if !ok {
		t.Fatal("created job not found")
	}
	if job.Status != StatusPending {
		t.Errorf("new job status = %s, want pending", job.Status)
	}
}

func TestRegistry_CreateWithID(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)

	if err := r.CreateWithID("job-1", template("a", 1)); err != nil {
		t.Fatalf("CreateWithID() error = %v", err)
	}
	err := r.CreateWithID("job-1", template("b", 2))
	if !errors.IsType(err, errors.ErrorTypeDuplicateJob) {
		t.Errorf("expected duplicate_job error, got %v", err)
	}

	job, _ := r.Get("job-1")
	if job.Template.Height != 1 {
		t.Error("duplicate create must not overwrite the original job")
	}
}

func TestRegistry_Transition(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)
	id := r.Create(template("a", 1))
	seal := &block.Seal{Nonce: block.NonceFromUint64(5)}

	if err := r.Transition(id, StatusFound, seal); !errors.IsType(err, errors.ErrorTypeInvalidTransition) {
		t.Errorf("pending -> found: expected invalid_transition, got %v", err)
	}
	if err := r.Transition(id, StatusRunning, nil); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if err := r.Transition(id, StatusFound, nil); !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("found without seal: expected validation error, got %v", err)
	}
	if err := r.Transition(id, StatusFound, seal); err != nil {
		t.Fatalf("running -> found: %v", err)
	}

	job, _ := r.Get(id)
	if job.Status != StatusFound || job.Result == nil || job.Result.Nonce != seal.Nonce {
		t.Errorf("unexpected job after found: %+v", job)
	}

	if err := r.Transition("missing", StatusRunning, nil); !errors.IsType(err, errors.ErrorTypeUnknownJob) {
		t.Errorf("expected unknown_job error, got %v", err)
	}
}

func TestRegistry_CancelAfterFound(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)
	id := r.Create(template("a", 1))
	_ = r.Transition(id, StatusRunning, nil)
	_ = r.Transition(id, StatusFound, &block.Seal{Nonce: block.NonceFromUint64(1)})

	for _, to := range []Status{StatusCancelled, StatusStale, StatusExpired, StatusRunning, StatusPending} {
		if err := r.Transition(id, to, nil); !errors.IsType(err, errors.ErrorTypeInvalidTransition) {
			t.Errorf("found -> %s: expected invalid_transition, got %v", to, err)
		}
	}

	job, _ := r.Get(id)
	if job.Status != StatusFound {
		t.Errorf("status = %s, want found", job.Status)
	}
}

func TestRegistry_DoubleFoundFirstWriterWins(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)
	id := r.Create(template("a", 100))
	_ = r.Transition(id, StatusRunning, nil)

	const writers = 16
	var wins atomic.Int32
	var winner atomic.Uint64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 1; i <= writers; i++ {
		wg.Add(1)
		go func(n uint64) {
			defer wg.Done()
			<-start
			if err := r.Transition(id, StatusFound, &block.Seal{Nonce: block.NonceFromUint64(n)}); err == nil {
				wins.Add(1)
				winner.Store(n)
			}
		}(uint64(i))
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("%d writers won, want exactly 1", wins.Load())
	}

	job, _ := r.Get(id)
	if job.Result.Nonce != block.NonceFromUint64(winner.Load()) {
		t.Error("stored seal does not belong to the winning writer")
	}
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)
	id := r.Create(template("a", 1))
	_ = r.Transition(id, StatusRunning, nil)
	_ = r.Transition(id, StatusFound, &block.Seal{Nonce: block.NonceFromUint64(9)})

	job, _ := r.Get(id)
	job.Status = StatusCancelled
	job.Result.Nonce = block.NonceFromUint64(1)

	again, _ := r.Get(id)
	if again.Status != StatusFound || again.Result.Nonce != block.NonceFromUint64(9) {
		t.Error("mutating a snapshot changed registry state")
	}
}

func TestRegistry_SupersedeByParent(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)

	oldPending := r.Create(template("old", 10))
	oldRunning := r.Create(template("old", 10))
	_ = r.Transition(oldRunning, StatusRunning, nil)
	oldFound := r.Create(template("old", 10))
	_ = r.Transition(oldFound, StatusRunning, nil)
	_ = r.Transition(oldFound, StatusFound, &block.Seal{Nonce: block.NonceFromUint64(1)})
	current := r.Create(template("tip", 11))
	_ = r.Transition(current, StatusRunning, nil)

	stale := r.SupersedeByParent(chainhash.HashH([]byte("tip")))
	if len(stale) != 2 {
		t.Fatalf("superseded %d jobs, want 2", len(stale))
	}

	expect := map[string]Status{
		oldPending: StatusStale,
		oldRunning: StatusStale,
		oldFound:   StatusFound,
		current:    StatusRunning,
	}
	for id, want := range expect {
		job, _ := r.Get(id)
		if job.Status != want {
			t.Errorf("job %s status = %s, want %s", id, job.Status, want)
		}
	}
}

func TestRegistry_SweepExpiresAndEvicts(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	clock := base
	r := New(Config{TTL: time.Minute, Retention: 5 * time.Minute}, nil, nil)
	r.now = func() time.Time { return clock }

	running := r.Create(template("a", 1))
	_ = r.Transition(running, StatusRunning, nil)
	cancelled := r.Create(template("a", 1))
	_ = r.Transition(cancelled, StatusCancelled, nil)

	if expired := r.Sweep(base.Add(30 * time.Second)); len(expired) != 0 {
		t.Errorf("expired %v before the TTL", expired)
	}

	expired := r.Sweep(base.Add(time.Minute))
	if len(expired) != 1 || expired[0] != running {
		t.Fatalf("expired = %v, want [%s]", expired, running)
	}
	job, _ := r.Get(running)
	if job.Status != StatusExpired {
		t.Errorf("status = %s, want expired", job.Status)
	}

	r.Sweep(base.Add(5*time.Minute + time.Second))
	if _, ok := r.Get(cancelled); ok {
		t.Error("cancelled job should have been evicted after retention")
	}
	if _, ok := r.Get(running); !ok {
		t.Error("expired job evicted before its own retention elapsed")
	}

	r.Sweep(base.Add(7 * time.Minute))
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_Observer(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	obs := ObserverFunc(func(job Job, from Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, from.String()+"->"+job.Status.String())
	})

	r := New(DefaultConfig(), nil, obs)
	id := r.Create(template("a", 1))
	_ = r.Transition(id, StatusRunning, nil)
	_ = r.Transition(id, StatusRunning, nil) // rejected, not observed
	r.SupersedeByParent(chainhash.HashH([]byte("b")))

	want := []string{"pending->running", "running->stale"}
	if len(seen) != len(want) {
		t.Fatalf("observed %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("observation %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestRegistry_ActiveAndRunning(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)
	r.Create(template("a", 1))
	running := r.Create(template("a", 1))
	_ = r.Transition(running, StatusRunning, nil)
	done := r.Create(template("a", 1))
	_ = r.Transition(done, StatusCancelled, nil)

	if got := r.Active(); len(got) != 2 {
		t.Errorf("Active() = %d jobs, want 2", len(got))
	}
	got := r.Running()
	if len(got) != 1 || got[0].ID != running {
		t.Errorf("Running() = %v, want [%s]", got, running)
	}
}
