package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"rentd/internal/matcher"
	"rentd/internal/models"
)

// AccountStore - AccountRepo поверх gorm.
type AccountStore struct{ db *gorm.DB }

func NewAccountStore(db *gorm.DB) *AccountStore { return &AccountStore{db: db} }

func (s *AccountStore) Create(ctx context.Context, a *models.Account) error {
	if a.Version == 0 {
		a.Version = 1
	}
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *AccountStore) Get(ctx context.Context, id uint, tenantID string) (*models.Account, error) {
	var a models.Account
	err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *AccountStore) List(ctx context.Context, tenantID string) ([]models.Account, error) {
	var rows []models.Account
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("id asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *AccountStore) ListRunning(ctx context.Context, tenantID string) ([]models.Account, error) {
	q := s.db.WithContext(ctx).
		Where("owner <> '' AND rental_started_at IS NOT NULL AND frozen = ?", false)
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	var rows []models.Account
	if err := q.Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *AccountStore) ConditionalUpdate(ctx context.Context, id uint, tenantID string, exp models.Expect, ch models.Changes) (bool, error) {
	upd := make(map[string]any, len(ch)+2)
	for k, v := range ch {
		upd[k] = v
	}
	upd["version"] = gorm.Expr("version + 1")
	upd["updated_at"] = time.Now().UTC()

	q := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND tenant_id = ?", id, tenantID)
	res := whereExpect(q, exp).Updates(upd)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func whereExpect(q *gorm.DB, exp models.Expect) *gorm.DB {
	if exp.Unowned {
		q = q.Where("owner = ''")
	}
	if exp.Owner != "" {
		q = q.Where("owner = ?", exp.Owner)
	}
	if exp.Frozen != nil {
		q = q.Where("frozen = ?", *exp.Frozen)
	}
	if exp.NotStarted {
		q = q.Where("rental_started_at IS NULL")
	}
	if exp.Version > 0 {
		q = q.Where("version = ?", exp.Version)
	}
	return q
}

// FindReplacementCandidate - тот же порядок, что и matcher.Select, но в SQL.
func (s *AccountStore) FindReplacementCandidate(ctx context.Context, tenantID string, target int, excludeID uint, maxDelta int) (*models.Account, error) {
	if maxDelta <= 0 {
		maxDelta = matcher.DefaultMaxDelta
	}
	var a models.Account
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND owner = '' AND id <> ?", tenantID, excludeID).
		Where("account_frozen = ? AND frozen = ? AND low_priority = ?", false, false, false).
		Where("skill_value IS NOT NULL AND ABS(skill_value - ?) <= ?", target, maxDelta).
		Order(fmt.Sprintf("ABS(skill_value - %d) ASC, skill_value ASC, id ASC", target)).
		Take(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *AccountStore) Tx(ctx context.Context, fn func(tx AccountRepo) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&AccountStore{db: tx})
	})
}
