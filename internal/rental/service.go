// Package rental - жизненный цикл аренды: выдача, заморозка, продление и замена аккаунтов.
//
// Все мутации - условные обновления одной строки (CAS по предикату
// текущего состояния), глобальных блокировок нет. Конфликт - это
// false/Applied=false, а не ошибка.
package rental

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"rentd/internal/logs"
	"rentd/internal/matcher"
	"rentd/internal/metrics"
	"rentd/internal/models"
	"rentd/internal/realtime"
	"rentd/internal/repo"
)

var (
	ErrNotFound        = repo.ErrAccountNotFound
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrContention - CAS-цикл исчерпал попытки.
	ErrContention = errors.New("too many concurrent updates")
)

// Revoker отзывает учётные данные аккаунта у внешнего сервиса.
type Revoker interface {
	Revoke(ctx context.Context, cred models.Credential) models.ExternalResult
}

// Notifier - сообщения покупателю и аудит. Ошибки доставки логирует сам sink.
type Notifier interface {
	NotifyOwner(ctx context.Context, tenantID, ownerID, text string) models.ExternalResult
	LogAudit(ctx context.Context, e models.AuditEntry) models.ExternalResult
}

type Publisher interface {
	Publish(tenantID string, ev realtime.Event) int
}

// Invalidator сбрасывает кэш списка аккаунтов тенанта после любой мутации.
type Invalidator interface {
	InvalidateTenant(ctx context.Context, tenantID string)
}

type Deps struct {
	Store     repo.AccountRepo
	Revoker   Revoker
	Notifier  Notifier
	Publisher Publisher
	Cache     Invalidator
	Clock     func() time.Time
	MaxDelta  int // допуск MMR для Replace по умолчанию
}

type Service struct {
	store    repo.AccountRepo
	revoker  Revoker
	notifier Notifier
	pub      Publisher
	cache    Invalidator
	now      func() time.Time
	maxDelta int
}

func NewService(d Deps) (*Service, error) {
	if d.Store == nil {
		return nil, errors.New("rental: account store is required")
	}
	s := &Service{
		store:    d.Store,
		revoker:  d.Revoker,
		notifier: d.Notifier,
		pub:      d.Publisher,
		cache:    d.Cache,
		now:      d.Clock,
		maxDelta: d.MaxDelta,
	}
	if s.revoker == nil {
		s.revoker = nopRevoker{}
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.pub == nil {
		s.pub = nopPublisher{}
	}
	if s.cache == nil {
		s.cache = nopInvalidator{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.maxDelta <= 0 {
		s.maxDelta = matcher.DefaultMaxDelta
	}
	return s, nil
}

// Now - текущее время сервиса (UTC).
func (s *Service) Now() time.Time { return s.now().UTC() }

// Store - хранилище, с которым работает сервис.
func (s *Service) Store() repo.AccountRepo { return s.store }

func (s *Service) Revoker() Revoker   { return s.revoker }
func (s *Service) Notifier() Notifier { return s.notifier }

// Get возвращает аккаунт тенанта.
func (s *Service) Get(ctx context.Context, id uint, tenantID string) (*models.Account, error) {
	return s.store.Get(ctx, id, tenantID)
}

// Changed - общий хвост успешной мутации: кэш, realtime, аудит.
func (s *Service) Changed(ctx context.Context, a *models.Account, kind, owner string, extra map[string]any) {
	s.cache.InvalidateTenant(ctx, a.TenantID)

	payload := map[string]any{"account_id": a.ID, "owner": owner}
	for k, v := range extra {
		payload[k] = v
	}
	// У аккаунта нет scope: событие общее для тенанта, Scope пустой.
	s.pub.Publish(a.TenantID, realtime.Event{
		Type:    "account." + kind,
		Topic:   realtime.TopicAccounts,
		Payload: payload,
	})

	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	res := s.notifier.LogAudit(ctx, models.AuditEntry{
		CreatedAt: s.Now(),
		TenantID:  a.TenantID,
		AccountID: a.ID,
		Kind:      kind,
		Owner:     owner,
		Payload:   raw,
	})
	if res.Failed() {
		s.log(a).WithError(res.Err).WithField("kind", kind).Warn("rental: audit failed")
	}
}

func (s *Service) log(a *models.Account) *logrus.Entry {
	return logs.Logger.WithFields(logrus.Fields{"tenant": a.TenantID, "account": a.ID})
}

func observe(op string, applied bool, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case !applied:
		result = "conflict"
	}
	metrics.RentalOperations.WithLabelValues(op, result).Inc()
}

// update - CAS с обёрткой ошибки хранилища.
func (s *Service) update(ctx context.Context, store repo.AccountRepo, a *models.Account, exp models.Expect, ch models.Changes) (bool, error) {
	ok, err := store.ConditionalUpdate(ctx, a.ID, a.TenantID, exp, ch)
	if err != nil {
		return false, fmt.Errorf("update account %d: %w", a.ID, err)
	}
	return ok, nil
}

// timeOrNil превращает *time.Time в значение колонки (nil => NULL).
func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

type nopRevoker struct{}

func (nopRevoker) Revoke(context.Context, models.Credential) models.ExternalResult {
	return models.Skipped()
}

type nopNotifier struct{}

func (nopNotifier) NotifyOwner(context.Context, string, string, string) models.ExternalResult {
	return models.Skipped()
}
func (nopNotifier) LogAudit(context.Context, models.AuditEntry) models.ExternalResult {
	return models.Skipped()
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, realtime.Event) int { return 0 }

type nopInvalidator struct{}

func (nopInvalidator) InvalidateTenant(context.Context, string) {}
