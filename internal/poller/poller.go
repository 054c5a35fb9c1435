// Package poller - долгоживущий опрос маркетплейса для одного тенанта.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"rentd/internal/controller"
	"rentd/internal/logs"
	"rentd/internal/models"
	"rentd/internal/repo"
	"rentd/internal/secrets"
)

// Handler применяет событие маркетплейса к аккаунтам тенанта.
type Handler interface {
	HandleEvent(ctx context.Context, tenantID string, ev Event) error
}

type CredentialLookup interface {
	Credentials(ctx context.Context, tenantID string) (*models.MarketplaceCredential, error)
}

type Config struct {
	PollInterval time.Duration
	CallTimeout  time.Duration
}

type Poller struct {
	tenantID    string
	fingerprint string
	creds       CredentialLookup
	client      Client
	handler     Handler
	cfg         Config
	log         *logrus.Entry
}

func New(tenantID, fingerprint string, creds CredentialLookup, client Client, h Handler, cfg Config) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	return &Poller{
		tenantID:    tenantID,
		fingerprint: fingerprint,
		creds:       creds,
		client:      client,
		handler:     h,
		cfg:         cfg,
		log:         logs.Logger.WithFields(logrus.Fields{"tenant": tenantID, "component": "poller"}),
	}
}

// Factory - фабрика воркеров для оркестратора.
func Factory(creds CredentialLookup, client Client, h Handler, cfg Config) controller.WorkerFactory {
	return func(tenantID, fingerprint string) (controller.Worker, error) {
		if creds == nil || client == nil || h == nil {
			return nil, fmt.Errorf("poller dependencies missing: %w", controller.ErrPermanent)
		}
		return New(tenantID, fingerprint, creds, client, h, cfg), nil
	}
}

// Run логинится и опрашивает события до отмены ctx. Отсутствие или
// отказ учётки - ErrPermanent; сетевые ошибки возвращаются как есть,
// перезапуском занимается супервизор.
func (p *Poller) Run(ctx context.Context) error {
	session, err := p.login(ctx)
	if err != nil {
		return err
	}
	p.log.Info("poller: logged in")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var cursor string
	relogged := false
	for {
		events, next, err := p.poll(ctx, session, cursor)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrUnauthorized) && !relogged:
			// сессия протухла: один повторный логин
			relogged = true
			if session, err = p.login(ctx); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}
		relogged = false
		cursor = next

		for _, ev := range events {
			if err := p.handler.HandleEvent(ctx, p.tenantID, ev); err != nil {
				p.log.WithError(err).WithFields(logrus.Fields{"event": ev.ID, "type": ev.Type}).Warn("poller: event not applied")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) login(ctx context.Context) (*Session, error) {
	cred, err := p.creds.Credentials(ctx, p.tenantID)
	if errors.Is(err, repo.ErrTenantNotFound) {
		return nil, fmt.Errorf("tenant %s: %w", p.tenantID, controller.ErrPermanent)
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if cred == nil || cred.Login == "" || cred.Secret == "" {
		return nil, fmt.Errorf("tenant %s has no marketplace credentials: %w", p.tenantID, controller.ErrPermanent)
	}
	if fp := secrets.Fingerprint(cred.Login, cred.Secret, cred.Blob); fp != p.fingerprint {
		// учётку уже сменили; оркестратор перезапустит с новым отпечатком
		return nil, fmt.Errorf("credentials rotated since start (fingerprint %s)", fp[:12])
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	s, err := p.client.Login(callCtx, *cred)
	if errors.Is(err, ErrUnauthorized) {
		return nil, fmt.Errorf("%w: %w", controller.ErrPermanent, err)
	}
	return s, err
}

func (p *Poller) poll(ctx context.Context, s *Session, cursor string) ([]Event, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	return p.client.Poll(callCtx, s, cursor)
}
