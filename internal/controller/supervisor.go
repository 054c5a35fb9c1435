package controller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"rentd/internal/logs"
	"rentd/internal/metrics"
)

type eventKind int

const (
	evRunning eventKind = iota
	evRestarting
	evFailed
)

// workerEvent - сообщение супервизора оркестратору. Реестр супервизор
// сам не трогает.
type workerEvent struct {
	kind     eventKind
	tenantID string
	runID    string
	err      error
}

// supervise крутит воркера до отмены ctx: паника и ошибка - лог, пауза
// Backoff и перезапуск; ErrPermanent - выход без перезапуска.
func (o *Orchestrator) supervise(ctx context.Context, h *handle, w Worker) {
	defer close(h.done)
	log := logs.Logger.WithFields(logrus.Fields{"tenant": h.tenantID, "fingerprint": short(h.fingerprint), "run": h.runID})

	o.emit(ctx, workerEvent{kind: evRunning, tenantID: h.tenantID, runID: h.runID})
	for {
		err := runSafely(ctx, w)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("worker exited without error")
		}
		if errors.Is(err, ErrPermanent) {
			log.WithError(err).Error("orchestrator: worker failed permanently")
			o.emit(ctx, workerEvent{kind: evFailed, tenantID: h.tenantID, runID: h.runID, err: err})
			return
		}

		log.WithError(err).WithField("backoff", o.cfg.Backoff).Warn("orchestrator: worker failed, restarting")
		metrics.WorkerRestarts.WithLabelValues(h.tenantID).Inc()
		o.emit(ctx, workerEvent{kind: evRestarting, tenantID: h.tenantID, runID: h.runID, err: err})

		timer := time.NewTimer(o.cfg.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func runSafely(ctx context.Context, w Worker) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return w.Run(ctx)
}

func (o *Orchestrator) emit(ctx context.Context, ev workerEvent) {
	select {
	case o.events <- ev:
	case <-ctx.Done():
	}
}

// drain применяет накопившиеся события. Вызывается под passMu.
func (o *Orchestrator) drain() {
	for {
		select {
		case ev := <-o.events:
			o.apply(ev)
		default:
			return
		}
	}
}

// apply - события от старых запусков (другой runID) игнорируются.
func (o *Orchestrator) apply(ev workerEvent) {
	o.mu.Lock()
	h, ok := o.workers[ev.tenantID]
	if !ok || h.runID != ev.runID {
		o.mu.Unlock()
		return
	}
	switch ev.kind {
	case evRunning:
		h.state = StateRunning
		o.mu.Unlock()
	case evRestarting:
		h.restarts++
		h.lastErr = ev.err.Error()
		o.mu.Unlock()
		o.publish(ev.tenantID, "worker.restarting", h, map[string]any{"error": ev.err.Error()})
	case evFailed:
		delete(o.workers, ev.tenantID)
		o.mu.Unlock()
		o.markFailed(ev.tenantID, h.fingerprint, ev.runID, ev.err)
		o.updateGauge()
	default:
		o.mu.Unlock()
	}
}
