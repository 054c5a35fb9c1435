package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"rentd/internal/logs"
	"rentd/internal/poller"
	"rentd/internal/rental"
)

// EventHandler переводит события маркетплейса в операции аренды.
type EventHandler struct {
	svc *rental.Service
}

func NewEventHandler(svc *rental.Service) *EventHandler { return &EventHandler{svc: svc} }

var _ poller.Handler = (*EventHandler)(nil)

func (h *EventHandler) HandleEvent(ctx context.Context, tenantID string, ev poller.Event) error {
	log := logs.Logger.WithFields(logrus.Fields{
		"tenant":  tenantID,
		"account": ev.AccountID,
		"event":   ev.Type,
		"order":   ev.OrderID,
	})

	switch ev.Type {
	case poller.EventOrderPaid:
		return h.orderPaid(ctx, tenantID, ev, log)

	case poller.EventRentalStart:
		applied, err := h.svc.StartClock(ctx, ev.AccountID, tenantID)
		if err != nil {
			return fmt.Errorf("start clock: %w", err)
		}
		if !applied {
			log.Debug("rental clock already running or account not rented")
		}
		return nil

	case poller.EventOrderRefunded:
		if _, err := h.svc.Release(ctx, ev.AccountID, tenantID); err != nil {
			return fmt.Errorf("release: %w", err)
		}
		return nil

	default:
		log.Debug("ignoring unknown marketplace event")
		return nil
	}
}

// orderPaid: свободный аккаунт выдаётся покупателю ровно на оплаченные
// минуты, повторная оплата того же покупателя продлевает аренду.
// Чужой аккаунт не трогаем.
func (h *EventHandler) orderPaid(ctx context.Context, tenantID string, ev poller.Event, log *logrus.Entry) error {
	minutes := max(ev.Minutes, 0)
	applied, err := h.svc.AssignWithDuration(ctx, ev.AccountID, tenantID, ev.Buyer, minutes)
	if err != nil {
		return fmt.Errorf("assign: %w", err)
	}
	if applied {
		log.WithField("duration_minutes", minutes).Info("order applied: account assigned")
		return nil
	}

	a, err := h.svc.Get(ctx, ev.AccountID, tenantID)
	if err != nil {
		return fmt.Errorf("assign: %w", err)
	}
	if a.Owner != strings.TrimSpace(ev.Buyer) {
		log.WithField("owner", a.Owner).Warn("paid order for an account rented by someone else")
		return nil
	}
	if minutes == 0 {
		return nil
	}
	total, err := h.svc.ExtendDuration(ctx, ev.AccountID, tenantID, minutes)
	if err != nil {
		return fmt.Errorf("extend: %w", err)
	}
	log.WithField("duration_minutes", total).Info("order applied: rental extended")
	return nil
}
