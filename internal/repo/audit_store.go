package repo

import (
	"context"

	"gorm.io/gorm"

	"rentd/internal/models"
)

type AuditStore struct{ db *gorm.DB }

func NewAuditStore(db *gorm.DB) *AuditStore { return &AuditStore{db: db} }

func (s *AuditStore) Append(ctx context.Context, e *models.AuditEntry) error {
	return s.db.WithContext(ctx).Create(e).Error
}

// List - последние записи тенанта, новые первыми.
func (s *AuditStore) List(ctx context.Context, tenantID string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []models.AuditEntry
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("id desc").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
