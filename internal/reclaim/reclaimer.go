// Package reclaim забирает аккаунты с истёкшей арендой.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"rentd/internal/logs"
	"rentd/internal/metrics"
	"rentd/internal/models"
	"rentd/internal/rental"
)

var ErrMisconfigured = errors.New("reclaimer: rental service is required")

const DefaultInterval = time.Minute

type Options struct {
	Interval time.Duration
}

type Reclaimer struct {
	svc      *rental.Service
	interval time.Duration
}

func New(svc *rental.Service, opts Options) *Reclaimer {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Reclaimer{svc: svc, interval: opts.Interval}
}

// Result - итог возврата одного аккаунта.
type Result struct {
	Reclaimed bool
	Status    string // ok | noop
	Owner     string
	Revoke    models.ExternalResult
	Notify    models.ExternalResult
}

const (
	StatusOK   = "ok"
	StatusNoop = "noop"
)

type SweepReport struct {
	Checked      int
	Reclaimed    int
	RevokeFailed int
	Lost         int // CAS проигран: аккаунт уже кто-то изменил
	Errors       int
}

// Run - периодический sweep до отмены ctx. Первый проход сразу.
func (r *Reclaimer) Run(ctx context.Context) error {
	if r == nil || r.svc == nil {
		logs.Logger.Error("reclaimer: refusing to start without a rental service")
		return ErrMisconfigured
	}
	logs.Logger.WithField("interval", r.interval).Info("reclaimer: started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			logs.Logger.WithError(err).Error("reclaimer: sweep failed")
		}
		select {
		case <-ctx.Done():
			logs.Logger.Info("reclaimer: stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep возвращает все идущие аренды, у которых вышло время.
func (r *Reclaimer) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	if r == nil || r.svc == nil {
		return rep, ErrMisconfigured
	}
	running, err := r.svc.Store().ListRunning(ctx, "")
	if err != nil {
		return rep, fmt.Errorf("list running: %w", err)
	}

	now := r.svc.Now()
	for i := range running {
		a := &running[i]
		rep.Checked++
		if !rental.Expired(a, now) {
			continue
		}
		res, err := r.reclaim(ctx, a)
		switch {
		case err != nil:
			rep.Errors++
			logs.Logger.WithError(err).WithFields(logrus.Fields{"tenant": a.TenantID, "account": a.ID}).Error("reclaimer: release failed")
		case !res.Reclaimed:
			rep.Lost++
		default:
			rep.Reclaimed++
			if res.Revoke.Failed() {
				rep.RevokeFailed++
			}
		}
	}
	if rep.Reclaimed > 0 || rep.Errors > 0 {
		logs.Logger.WithFields(logrus.Fields{
			"checked": rep.Checked, "reclaimed": rep.Reclaimed,
			"revoke_failed": rep.RevokeFailed, "lost": rep.Lost, "errors": rep.Errors,
		}).Info("reclaimer: sweep done")
	}
	return rep, nil
}

// ReclaimAccount - возврат одного аккаунта по запросу.
// Не истёкший или свободный аккаунт - noop.
func (r *Reclaimer) ReclaimAccount(ctx context.Context, id uint, tenantID string) (Result, error) {
	if r == nil || r.svc == nil {
		return Result{}, ErrMisconfigured
	}
	a, err := r.svc.Get(ctx, id, tenantID)
	if err != nil {
		return Result{}, err
	}
	if !rental.Expired(a, r.svc.Now()) {
		return noop(), nil
	}
	return r.reclaim(ctx, a)
}

func noop() Result {
	return Result{Status: StatusNoop, Revoke: models.Skipped(), Notify: models.Skipped()}
}

// reclaim: условный release (владелец и версия как при чтении), затем
// best-effort отзыв, событие и уведомления. Проигранный CAS - noop без уведомлений.
func (r *Reclaimer) reclaim(ctx context.Context, a *models.Account) (Result, error) {
	ok, err := r.svc.Store().ConditionalUpdate(ctx, a.ID, a.TenantID,
		models.Expect{Owner: a.Owner, Version: a.Version}, rental.ReleaseChanges())
	if err != nil {
		return Result{}, fmt.Errorf("release account %d: %w", a.ID, err)
	}
	if !ok {
		return noop(), nil
	}

	log := logs.Logger.WithFields(logrus.Fields{"tenant": a.TenantID, "account": a.ID, "owner": a.Owner})
	res := Result{Reclaimed: true, Status: StatusOK, Owner: a.Owner}

	res.Revoke = r.svc.Revoker().Revoke(ctx, a.Credential())
	if res.Revoke.Failed() {
		log.WithError(res.Revoke.Err).Warn("reclaimer: revoke failed, account released anyway")
	}
	metrics.Reclaimed.WithLabelValues(string(res.Revoke.Status)).Inc()

	r.svc.Changed(ctx, a, models.AuditReclaimed, a.Owner, map[string]any{"revoke": res.Revoke.Status})

	res.Notify = r.svc.Notifier().NotifyOwner(ctx, a.TenantID, a.Owner,
		fmt.Sprintf("Rental of account %s has ended. Thank you!", a.Login))

	log.WithField("revoke", res.Revoke.Status).Info("reclaimer: reclaimed")
	return res, nil
}
