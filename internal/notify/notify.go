// Package notify - сообщения покупателям и журнал аудита.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"rentd/internal/logs"
	"rentd/internal/models"
)

// Bus - транспорт сообщений (в проде *nats.Conn).
type Bus interface {
	Publish(subject string, data []byte) error
}

// AuditAppender сохраняет запись аудита (repo.AuditStore).
type AuditAppender interface {
	Append(ctx context.Context, e *models.AuditEntry) error
}

// Sink - NotificationSink: шина для сообщений и аудита плюс таблица аудита.
// Любая часть может отсутствовать; тогда сообщение просто логируется.
// Ошибки доставки логирует сам Sink.
type Sink struct {
	bus    Bus
	audit  AuditAppender
	prefix string
}

func NewSink(bus Bus, audit AuditAppender, subjectPrefix string) *Sink {
	if subjectPrefix == "" {
		subjectPrefix = "rentd"
	}
	return &Sink{bus: bus, audit: audit, prefix: strings.TrimSuffix(subjectPrefix, ".")}
}

type ownerMessage struct {
	TenantID string    `json:"tenant_id"`
	OwnerID  string    `json:"owner_id"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
}

func (s *Sink) OwnerSubject(tenantID string) string { return s.prefix + ".owner." + tenantID }
func (s *Sink) AuditSubject() string                { return s.prefix + ".audit" }

func (s *Sink) NotifyOwner(_ context.Context, tenantID, ownerID, text string) models.ExternalResult {
	log := logs.Logger.WithFields(logrus.Fields{"tenant": tenantID, "owner": ownerID})
	if s.bus == nil {
		log.WithField("text", text).Info("notify: owner message (no bus)")
		return models.Skipped()
	}
	data, err := json.Marshal(ownerMessage{TenantID: tenantID, OwnerID: ownerID, Text: text, SentAt: time.Now().UTC()})
	if err == nil {
		err = s.bus.Publish(s.OwnerSubject(tenantID), data)
	}
	if err != nil {
		log.WithError(err).Warn("notify: owner message not delivered")
	}
	return models.ResultOf(err)
}

func (s *Sink) LogAudit(ctx context.Context, e models.AuditEntry) models.ExternalResult {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	log := logs.Logger.WithFields(logrus.Fields{"tenant": e.TenantID, "account": e.AccountID, "kind": e.Kind})
	if s.bus == nil && s.audit == nil {
		log.Info("notify: audit")
		return models.Skipped()
	}

	var errs []error
	if s.audit != nil {
		if err := s.audit.Append(ctx, &e); err != nil {
			errs = append(errs, fmt.Errorf("store audit: %w", err))
		}
	}
	if s.bus != nil {
		data, err := json.Marshal(e)
		if err == nil {
			err = s.bus.Publish(s.AuditSubject(), data)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("publish audit: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		log.WithError(err).Warn("notify: audit not fully delivered")
	}
	return models.ResultOf(err)
}

type NATSOptions struct {
	URL     string
	Name    string
	Timeout time.Duration
}

// ConnectNATS - соединение с бесконечным переподключением.
func ConnectNATS(opts NATSOptions) (*nats.Conn, error) {
	if opts.URL == "" {
		return nil, errors.New("nats url is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "rentd"
	}
	return nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(opts.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logs.Logger.WithError(err).Warn("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logs.Logger.WithField("url", nc.ConnectedUrl()).Info("nats: reconnected")
		}),
	)
}
