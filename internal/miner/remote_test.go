package miner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/minerapi"
	"github.com/bardlex/qpow/internal/mining"
	"github.com/bardlex/qpow/internal/qpow"
	"github.com/bardlex/qpow/pkg/circuit"
	"github.com/bardlex/qpow/pkg/errors"
)

func fastRemoteConfig() RemoteConfig {
	return RemoteConfig{
		MaxRetries:      2,
		BaseBackoff:     time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		RequestTimeout:  time.Second,
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
	}
}

func TestRemoteStrategy_AgainstService(t *testing.T) {
	svc := mining.NewService(mining.Config{Workers: 2, JobTTL: time.Minute}, nil, nil)
	defer svc.Close()
	srv := httptest.NewServer(minerapi.NewServer(svc, minerapi.ServerConfig{}, nil).Handler())
	defer srv.Close()

	client, err := minerapi.NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	remote := NewRemoteStrategy(client, fastRemoteConfig(), nil)
	ctx := context.Background()

	tmpl := template("remote", 100)
	tmpl.Target = block.TargetWithLeadingZeros(4)
	if err := remote.Submit(ctx, "job-1", tmpl); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	// a resubmission that reaches the service twice is not an error
	if err := remote.Submit(ctx, "job-1", tmpl); err != nil {
		t.Errorf("repeated Submit() error = %v", err)
	}

	var res Result
	waitFor(t, func() bool {
		res, err = remote.Poll(ctx, "job-1")
		return err == nil && res.State == mining.StateFound
	})
	if res.Seal == nil || !qpow.Verify(tmpl.HeaderBytes(), res.Seal.Nonce, tmpl.Target) {
		t.Error("remote seal does not verify")
	}

	if err := remote.Cancel(ctx, "job-1"); err != nil {
		t.Errorf("Cancel() error = %v", err)
	}
	if !remote.Available() {
		t.Error("healthy remote should be available")
	}
}

func TestRemoteStrategy_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, _ := minerapi.NewClient(srv.URL)
	remote := NewRemoteStrategy(client, fastRemoteConfig(), nil)
	ctx := context.Background()
	tmpl := template("remote", 100)

	for i := 0; i < 2; i++ {
		err := remote.Submit(ctx, "job", tmpl)
		if !errors.IsType(err, errors.ErrorTypeUnreachable) {
			t.Fatalf("attempt %d: expected unreachable, got %v", i, err)
		}
	}
	// two calls with two attempts each
	if hits.Load() != 4 {
		t.Errorf("server saw %d requests, want 4", hits.Load())
	}
	if remote.Available() {
		t.Fatal("breaker should be open")
	}

	err := remote.Submit(ctx, "job", tmpl)
	if !circuit.IsOpen(err) {
		t.Errorf("expected open-circuit error, got %v", err)
	}
	if hits.Load() != 4 {
		t.Error("an open breaker must not reach the network")
	}
}

func acceptMine(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(minerapi.MineResponse{JobID: "job", Status: minerapi.StatusAccepted})
}

func TestRemoteStrategy_RetriesHungAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(300 * time.Millisecond):
			}
			return
		}
		acceptMine(w)
	}))
	defer srv.Close()

	client, _ := minerapi.NewClient(srv.URL)
	cfg := fastRemoteConfig()
	cfg.MaxRetries = 3
	cfg.RequestTimeout = 100 * time.Millisecond
	remote := NewRemoteStrategy(client, cfg, nil)

	if err := remote.Submit(context.Background(), "job", template("hung", 100)); err != nil {
		t.Fatalf("Submit() error = %v, want success on the second attempt", err)
	}
	if hits.Load() != 2 {
		t.Errorf("server saw %d requests, want 2", hits.Load())
	}
}

func TestRemoteStrategy_CallerCancelIsFinal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client, _ := minerapi.NewClient(srv.URL)
	cfg := fastRemoteConfig()
	cfg.MaxRetries = 3
	remote := NewRemoteStrategy(client, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := remote.Submit(ctx, "job", template("hung", 100)); err == nil {
		t.Fatal("Submit() with an expired caller context should fail")
	}
	if hits.Load() != 1 {
		t.Errorf("server saw %d requests, want 1", hits.Load())
	}
}

func TestClient_ReturnsToRemoteAfterRecovery(t *testing.T) {
	var healthy atomic.Bool
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		acceptMine(w)
	}))
	defer srv.Close()

	client, _ := minerapi.NewClient(srv.URL)
	cfg := fastRemoteConfig()
	cfg.MaxRetries = 1
	cfg.BreakerFailures = 1
	cfg.BreakerTimeout = 50 * time.Millisecond
	remote := NewRemoteStrategy(client, cfg, nil)
	local := newFakeStrategy("local")
	c := NewClient(remote, Config{}, nil, WithFallback(local))
	ctx := context.Background()

	if _, err := c.Submit(ctx, template("outage", 100)); err != nil {
		t.Fatalf("Submit() during outage error = %v", err)
	}
	if remote.Available() {
		t.Fatal("breaker should be open after the outage")
	}

	healthy.Store(true)
	if _, err := c.Submit(ctx, template("outage", 101)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if local.submitCount() != 2 {
		t.Fatalf("fallback saw %d submissions, want 2 while the breaker is open", local.submitCount())
	}

	time.Sleep(4 * cfg.BreakerTimeout)
	if !remote.Available() {
		t.Fatal("remote should be offered a trial call once the breaker timeout passed")
	}
	before := hits.Load()
	for h := uint64(102); h < 105; h++ {
		if _, err := c.Submit(ctx, template("outage", h)); err != nil {
			t.Fatalf("Submit() after recovery error = %v", err)
		}
	}

	if got := hits.Load() - before; got != 3 {
		t.Errorf("remote saw %d submissions after recovery, want 3", got)
	}
	if local.submitCount() != 2 {
		t.Errorf("fallback saw %d submissions, want it untouched after recovery", local.submitCount())
	}
	if remote.Breaker().GetState() != circuit.StateClosed {
		t.Errorf("breaker state = %s, want closed", remote.Breaker().GetState())
	}
}

func TestRemoteStrategy_ClientErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client, _ := minerapi.NewClient(srv.URL)
	remote := NewRemoteStrategy(client, fastRemoteConfig(), nil)

	for i := 0; i < 5; i++ {
		err := remote.Submit(context.Background(), "job", template("remote", 100))
		if !errors.IsType(err, errors.ErrorTypeValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	}
	if !remote.Available() {
		t.Error("4xx answers must not open the breaker")
	}
}

func TestLocalStrategy(t *testing.T) {
	svc := mining.NewService(mining.Config{Workers: 2, JobTTL: time.Minute}, nil, nil)
	defer svc.Close()
	local := NewLocalStrategy(svc)
	ctx := context.Background()

	tmpl := template("local", 100)
	tmpl.Target = block.MaxTarget()
	if err := local.Submit(ctx, "job-1", tmpl); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	var res Result
	waitFor(t, func() bool {
		res, _ = local.Poll(ctx, "job-1")
		return res.State == mining.StateFound
	})
	if res.Seal == nil {
		t.Fatal("found result without a seal")
	}

	if res, _ := local.Poll(ctx, "missing"); res.State != mining.StateUnknown {
		t.Errorf("missing job state = %s, want unknown", res.State)
	}
}
