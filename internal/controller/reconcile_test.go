package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentd/internal/logs"
	"rentd/internal/models"
	"rentd/internal/realtime"
)

func init() { logs.Discard() }

type source struct {
	mu      sync.Mutex
	desired map[string]string
	err     error
}

func (s *source) set(tenant, fp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fp == "" {
		delete(s.desired, tenant)
		return
	}
	s.desired[tenant] = fp
}

func (s *source) ListDesired(context.Context) ([]models.TenantCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]models.TenantCredential, 0, len(s.desired))
	for t, fp := range s.desired {
		out = append(out, models.TenantCredential{TenantID: t, Fingerprint: fp})
	}
	return out, nil
}

// fakeWorker - поведение задаётся функцией run; started/stopped считают запуски.
type fakeWorker struct {
	tenant, fp string
	run        func(ctx context.Context) error
	lab        *lab
}

func (w *fakeWorker) Run(ctx context.Context) error {
	w.lab.record("start", w.tenant, w.fp)
	defer w.lab.record("stop", w.tenant, w.fp)
	if w.run != nil {
		return w.run(ctx)
	}
	<-ctx.Done()
	return ctx.Err()
}

type lab struct {
	mu    sync.Mutex
	log   []string
	runFn map[string]func(ctx context.Context) error
}

func (l *lab) record(what, tenant, fp string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = append(l.log, fmt.Sprintf("%s %s/%s", what, tenant, fp))
}

func (l *lab) count(entry string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.log {
		if e == entry {
			n++
		}
	}
	return n
}

func (l *lab) factory(tenant, fp string) (Worker, error) {
	l.mu.Lock()
	fn := l.runFn[tenant+"/"+fp]
	l.mu.Unlock()
	return &fakeWorker{tenant: tenant, fp: fp, run: fn, lab: l}, nil
}

type recPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recPublisher) Publish(_ string, ev realtime.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, ev.Type)
	return 0
}

func (p *recPublisher) has(typ string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.types {
		if t == typ {
			return true
		}
	}
	return false
}

func newOrch(src *source, l *lab, pub Publisher) *Orchestrator {
	return NewOrchestrator(src, l.factory, pub, Config{
		Interval:    20 * time.Millisecond,
		StopTimeout: 200 * time.Millisecond,
		Backoff:     10 * time.Millisecond,
	})
}

func TestReconcileConverges(t *testing.T) {
	t.Parallel()
	src := &source{desired: map[string]string{"a": "fa", "b": "fb"}}
	l := &lab{}
	o := newOrch(src, l, nil)
	ctx := context.Background()
	defer o.Shutdown()

	require.NoError(t, o.Reconcile(ctx))
	assert.Equal(t, map[string]string{"a": "fa", "b": "fb"}, o.Snapshot())

	src.set("b", "")
	src.set("c", "fc")
	require.NoError(t, o.Reconcile(ctx))
	assert.Equal(t, map[string]string{"a": "fa", "c": "fc"}, o.Snapshot())
	assert.Equal(t, 1, l.count("stop b/fb"), "removed tenant is stopped before the pass returns")

	require.NoError(t, o.Reconcile(ctx))
	assert.Eventually(t, func() bool { return l.count("start a/fa") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, l.count("start a/fa"), "matching worker is left alone")
}

func TestCredentialRotation(t *testing.T) {
	t.Parallel()
	src := &source{desired: map[string]string{"x": "f1"}}
	l := &lab{}
	pub := &recPublisher{}
	o := newOrch(src, l, pub)
	ctx := context.Background()
	defer o.Shutdown()

	require.NoError(t, o.Reconcile(ctx))
	assert.Eventually(t, func() bool { return l.count("start x/f1") == 1 }, time.Second, 5*time.Millisecond)

	src.set("x", "f2")
	require.NoError(t, o.Reconcile(ctx))
	assert.Equal(t, 1, l.count("stop x/f1"))
	assert.Equal(t, map[string]string{"x": "f2"}, o.Snapshot())
	assert.Eventually(t, func() bool { return l.count("start x/f2") == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, pub.has("worker.stopped"))
	assert.True(t, pub.has("worker.started"))
}

func TestSourceErrorKeepsWorkers(t *testing.T) {
	t.Parallel()
	src := &source{desired: map[string]string{"a": "fa"}}
	l := &lab{}
	o := newOrch(src, l, nil)
	defer o.Shutdown()

	require.NoError(t, o.Reconcile(context.Background()))
	src.mu.Lock()
	src.err = errors.New("db down")
	src.mu.Unlock()

	assert.Error(t, o.Reconcile(context.Background()))
	assert.Equal(t, map[string]string{"a": "fa"}, o.Snapshot())
}

func TestFailingWorkerRestartsAndIsolated(t *testing.T) {
	t.Parallel()
	src := &source{desired: map[string]string{"bad": "f", "good": "f"}}
	l := &lab{runFn: map[string]func(ctx context.Context) error{
		"bad/f": func(context.Context) error { panic("boom") },
	}}
	o := newOrch(src, l, nil)
	defer o.Shutdown()

	require.NoError(t, o.Reconcile(context.Background()))
	assert.Eventually(t, func() bool { return l.count("start bad/f") >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, l.count("start good/f"))
	assert.Equal(t, 0, l.count("stop good/f"))

	require.NoError(t, o.Reconcile(context.Background()))
	states := o.States()
	require.Len(t, states, 2)
	assert.Equal(t, "bad", states[0].TenantID)
	assert.Positive(t, states[0].Restarts)
	assert.Contains(t, states[0].LastError, "boom")
}

func TestPermanentFailureWaitsForNewFingerprint(t *testing.T) {
	t.Parallel()
	src := &source{desired: map[string]string{"t": "f1"}}
	l := &lab{runFn: map[string]func(ctx context.Context) error{
		"t/f1": func(context.Context) error { return fmt.Errorf("login rejected: %w", ErrPermanent) },
	}}
	o := newOrch(src, l, nil)
	defer o.Shutdown()
	ctx := context.Background()

	require.NoError(t, o.Reconcile(ctx))
	assert.Eventually(t, func() bool {
		_ = o.Reconcile(ctx)
		return o.State("t") == StateFailed
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, o.Reconcile(ctx))
	assert.Equal(t, 1, l.count("start t/f1"), "permanent failure is not retried")
	assert.Empty(t, o.Snapshot())

	src.set("t", "f2")
	require.NoError(t, o.Reconcile(ctx))
	assert.Equal(t, map[string]string{"t": "f2"}, o.Snapshot())
}

func TestStuckWorkerIsAbandoned(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	src := &source{desired: map[string]string{"stuck": "f"}}
	l := &lab{runFn: map[string]func(ctx context.Context) error{
		"stuck/f": func(context.Context) error { <-release; return nil },
	}}
	o := newOrch(src, l, nil)
	require.NoError(t, o.Reconcile(context.Background()))
	assert.Eventually(t, func() bool { return l.count("start stuck/f") == 1 }, time.Second, 5*time.Millisecond)

	src.set("stuck", "")
	began := time.Now()
	require.NoError(t, o.Reconcile(context.Background()))
	assert.Less(t, time.Since(began), time.Second)
	assert.Empty(t, o.Snapshot())
}

func TestRunRequiresDependencies(t *testing.T) {
	t.Parallel()
	o := NewOrchestrator(nil, nil, nil, Config{})
	assert.ErrorIs(t, o.Run(context.Background()), ErrMisconfigured)

	o = NewOrchestrator(&source{desired: map[string]string{}}, nil, nil, Config{})
	assert.ErrorIs(t, o.Run(context.Background()), ErrMisconfigured)
}

func TestRunStopsWorkersOnCancel(t *testing.T) {
	t.Parallel()
	src := &source{desired: map[string]string{"a": "fa"}}
	l := &lab{}
	o := newOrch(src, l, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	assert.Eventually(t, func() bool { return o.State("a") == StateRunning }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
	assert.Equal(t, 1, l.count("stop a/fa"))
	assert.Equal(t, StateAbsent, o.State("a"))
}
