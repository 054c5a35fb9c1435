package repo

import (
	"context"
	"errors"

	"rentd/internal/models"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrTenantNotFound  = errors.New("tenant not found")
)

// AccountRepo - транзакционный доступ к аккаунтам.
// Все мутации идут через ConditionalUpdate: изменение применяется только если
// строка всё ещё удовлетворяет Expect, и тогда version увеличивается на 1.
type AccountRepo interface {
	Get(ctx context.Context, id uint, tenantID string) (*models.Account, error)
	List(ctx context.Context, tenantID string) ([]models.Account, error)
	// ListRunning - арендованные аккаунты с запущенными незамороженными часами.
	// tenantID == "" - по всем тенантам.
	ListRunning(ctx context.Context, tenantID string) ([]models.Account, error)
	ConditionalUpdate(ctx context.Context, id uint, tenantID string, exp models.Expect, ch models.Changes) (bool, error)
	// FindReplacementCandidate возвращает nil, nil если кандидата нет.
	FindReplacementCandidate(ctx context.Context, tenantID string, target int, excludeID uint, maxDelta int) (*models.Account, error)
	Tx(ctx context.Context, fn func(tx AccountRepo) error) error
}
