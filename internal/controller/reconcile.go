// Package controller держит по одному поллеру маркетплейса на тенанта и
// сводит живой набор воркеров к желаемому.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"rentd/internal/logs"
	"rentd/internal/metrics"
	"rentd/internal/models"
	"rentd/internal/realtime"
)

var (
	// ErrPermanent - воркер не перезапускается, пока не сменится отпечаток учётки.
	ErrPermanent = errors.New("permanent worker failure")
	// ErrMisconfigured - нет обязательной зависимости, цикл не стартует.
	ErrMisconfigured = errors.New("orchestrator misconfigured")
)

// Источник желаемого состояния
type CredentialSource interface {
	ListDesired(ctx context.Context) ([]models.TenantCredential, error)
}

// Worker - долгоживущий поллер тенанта. Run должен вернуться после отмены ctx.
type Worker interface {
	Run(ctx context.Context) error
}

type WorkerFactory func(tenantID, fingerprint string) (Worker, error)

type Publisher interface {
	Publish(tenantID string, ev realtime.Event) int
}

// Состояния воркера тенанта.
const (
	StateAbsent   = "absent"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateFailed   = "failed"
)

type Config struct {
	Interval    time.Duration // период сверки, по умолчанию 60s
	StopTimeout time.Duration // сколько ждать остановки воркера, по умолчанию 10s
	Backoff     time.Duration // пауза перед перезапуском упавшего воркера, по умолчанию 30s
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.Backoff <= 0 {
		c.Backoff = 30 * time.Second
	}
	return c
}

type handle struct {
	tenantID    string
	fingerprint string
	runID       string
	state       string
	startedAt   time.Time
	restarts    int
	lastErr     string

	cancel context.CancelFunc
	done   chan struct{}
}

// WorkerStatus - снимок воркера для API.
type WorkerStatus struct {
	TenantID    string    `json:"tenant_id"`
	Fingerprint string    `json:"fingerprint"`
	State       string    `json:"state"`
	RunID       string    `json:"run_id,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	Restarts    int       `json:"restarts"`
	LastError   string    `json:"last_error,omitempty"`
}

type Orchestrator struct {
	src     CredentialSource
	factory WorkerFactory
	pub     Publisher
	cfg     Config

	// один проход сверки за раз; события воркеров читает только он
	passMu sync.Mutex
	events chan workerEvent

	mu      sync.Mutex
	workers map[string]*handle
	failed  map[string]WorkerStatus // тенант → постоянная ошибка для отпечатка
}

func NewOrchestrator(src CredentialSource, factory WorkerFactory, pub Publisher, cfg Config) *Orchestrator {
	if pub == nil {
		pub = nopPublisher{}
	}
	return &Orchestrator{
		src:     src,
		factory: factory,
		pub:     pub,
		cfg:     cfg.withDefaults(),
		events:  make(chan workerEvent, 256),
		workers: make(map[string]*handle),
		failed:  make(map[string]WorkerStatus),
	}
}

func (o *Orchestrator) validate() error {
	if o == nil || o.src == nil {
		return fmt.Errorf("credential source is nil: %w", ErrMisconfigured)
	}
	if o.factory == nil {
		return fmt.Errorf("worker factory is nil: %w", ErrMisconfigured)
	}
	return nil
}

// Run сверяет сразу и далее раз в Interval до отмены ctx, затем останавливает всех воркеров.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.validate(); err != nil {
		logs.Logger.WithError(err).Error("orchestrator: refusing to start")
		return err
	}
	logs.Logger.WithField("interval", o.cfg.Interval).Info("orchestrator: started")

	if err := o.Reconcile(ctx); err != nil && ctx.Err() == nil {
		logs.Logger.WithError(err).Error("orchestrator: reconcile failed")
	}

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.Shutdown()
			logs.Logger.Info("orchestrator: stopped")
			return nil
		case ev := <-o.events:
			o.passMu.Lock()
			o.apply(ev)
			o.passMu.Unlock()
		case <-ticker.C:
			if err := o.Reconcile(ctx); err != nil && ctx.Err() == nil {
				logs.Logger.WithError(err).Error("orchestrator: reconcile failed")
			}
		}
	}
}

// Reconcile - один проход: лишних остановить, недостающих запустить,
// при смене отпечатка перезапустить, совпадающих не трогать.
// Ошибка источника оставляет живой набор как есть.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	if err := o.validate(); err != nil {
		return err
	}
	o.passMu.Lock()
	defer o.passMu.Unlock()

	start := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	o.drain()

	list, err := o.src.ListDesired(ctx)
	if err != nil {
		return fmt.Errorf("list desired: %w", err)
	}
	desired := make(map[string]string, len(list))
	for _, tc := range list {
		if tc.TenantID == "" || tc.Fingerprint == "" {
			continue
		}
		desired[tc.TenantID] = tc.Fingerprint
	}

	// 1) что остановить
	o.mu.Lock()
	var stopping []*handle
	for tenant, h := range o.workers {
		if fp, ok := desired[tenant]; !ok || fp != h.fingerprint {
			h.state = StateStopping
			stopping = append(stopping, h)
			delete(o.workers, tenant)
		}
	}
	for tenant, f := range o.failed {
		if fp, ok := desired[tenant]; !ok || fp != f.Fingerprint {
			delete(o.failed, tenant)
		}
	}
	o.mu.Unlock()

	o.stopAll(stopping, "reconcile")

	// 2) что запустить
	o.mu.Lock()
	var missing []models.TenantCredential
	for tenant, fp := range desired {
		if _, ok := o.workers[tenant]; ok {
			continue
		}
		if f, ok := o.failed[tenant]; ok && f.Fingerprint == fp {
			continue
		}
		missing = append(missing, models.TenantCredential{TenantID: tenant, Fingerprint: fp})
	}
	o.mu.Unlock()

	sort.Slice(missing, func(i, j int) bool { return missing[i].TenantID < missing[j].TenantID })
	for _, tc := range missing {
		o.start(tc.TenantID, tc.Fingerprint)
	}
	o.updateGauge()
	return nil
}

func (o *Orchestrator) start(tenantID, fingerprint string) {
	log := logs.Logger.WithFields(logrus.Fields{"tenant": tenantID, "fingerprint": short(fingerprint)})

	w, err := o.factory(tenantID, fingerprint)
	if err != nil {
		if errors.Is(err, ErrPermanent) {
			o.markFailed(tenantID, fingerprint, "", err)
		}
		log.WithError(err).Error("orchestrator: cannot create worker")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		tenantID:    tenantID,
		fingerprint: fingerprint,
		runID:       uuid.NewString(),
		state:       StateStarting,
		startedAt:   time.Now().UTC(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	o.mu.Lock()
	o.workers[tenantID] = h
	o.mu.Unlock()

	go o.supervise(ctx, h, w)
	log.WithField("run", h.runID).Info("orchestrator: worker started")
	o.publish(tenantID, "worker.started", h, nil)
}

// stopAll останавливает воркеров параллельно; каждый ждём не дольше StopTimeout.
func (o *Orchestrator) stopAll(hs []*handle, reason string) {
	var g errgroup.Group
	for _, h := range hs {
		g.Go(func() error {
			o.stop(h, reason)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) stop(h *handle, reason string) bool {
	log := logs.Logger.WithFields(logrus.Fields{"tenant": h.tenantID, "fingerprint": short(h.fingerprint), "run": h.runID})
	h.cancel()

	timer := time.NewTimer(o.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-h.done:
		log.WithField("reason", reason).Info("orchestrator: worker stopped")
		o.publish(h.tenantID, "worker.stopped", h, nil)
		return true
	case <-timer.C:
		metrics.WorkersAbandoned.Inc()
		log.WithField("timeout", o.cfg.StopTimeout).Error("orchestrator: worker did not stop in time, abandoned")
		o.publish(h.tenantID, "worker.stopped", h, map[string]any{"abandoned": true})
		return false
	}
}

// Shutdown останавливает всех воркеров (ограниченное ожидание).
func (o *Orchestrator) Shutdown() {
	o.passMu.Lock()
	defer o.passMu.Unlock()

	o.mu.Lock()
	hs := make([]*handle, 0, len(o.workers))
	for tenant, h := range o.workers {
		h.state = StateStopping
		hs = append(hs, h)
		delete(o.workers, tenant)
	}
	o.mu.Unlock()

	o.stopAll(hs, "shutdown")
	o.updateGauge()
}

func (o *Orchestrator) markFailed(tenantID, fingerprint, runID string, err error) {
	o.mu.Lock()
	o.failed[tenantID] = WorkerStatus{
		TenantID:    tenantID,
		Fingerprint: fingerprint,
		State:       StateFailed,
		RunID:       runID,
		LastError:   err.Error(),
	}
	o.mu.Unlock()
	o.pub.Publish(tenantID, realtime.Event{
		Type:    "worker.failed",
		Topic:   realtime.TopicWorkers,
		Payload: map[string]any{"tenant_id": tenantID, "run_id": runID, "error": err.Error()},
	})
}

func (o *Orchestrator) publish(tenantID, typ string, h *handle, extra map[string]any) {
	payload := map[string]any{"tenant_id": tenantID, "run_id": h.runID}
	for k, v := range extra {
		payload[k] = v
	}
	o.pub.Publish(tenantID, realtime.Event{Type: typ, Topic: realtime.TopicWorkers, Payload: payload})
}

func (o *Orchestrator) updateGauge() {
	o.mu.Lock()
	n := len(o.workers)
	o.mu.Unlock()
	metrics.WorkersRunning.Set(float64(n))
}

// Snapshot - тенант → отпечаток живых воркеров.
func (o *Orchestrator) Snapshot() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.workers))
	for tenant, h := range o.workers {
		out[tenant] = h.fingerprint
	}
	return out
}

// States - живые и окончательно упавшие воркеры, по тенанту.
func (o *Orchestrator) States() []WorkerStatus {
	o.mu.Lock()
	out := make([]WorkerStatus, 0, len(o.workers)+len(o.failed))
	for _, h := range o.workers {
		out = append(out, WorkerStatus{
			TenantID:    h.tenantID,
			Fingerprint: h.fingerprint,
			State:       h.state,
			RunID:       h.runID,
			StartedAt:   h.startedAt,
			Restarts:    h.restarts,
			LastError:   h.lastErr,
		})
	}
	for _, f := range o.failed {
		out = append(out, f)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// State - состояние воркера одного тенанта.
func (o *Orchestrator) State(tenantID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.workers[tenantID]; ok {
		return h.state
	}
	if _, ok := o.failed[tenantID]; ok {
		return StateFailed
	}
	return StateAbsent
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, realtime.Event) int { return 0 }

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
