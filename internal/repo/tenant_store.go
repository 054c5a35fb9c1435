package repo

import (
	"context"
	"errors"
	"sort"
	"sync"

	"gorm.io/gorm"

	"rentd/internal/models"
	"rentd/internal/secrets"
)

// TenantStore - тенанты и их учётки маркетплейса.
type TenantStore struct{ db *gorm.DB }

func NewTenantStore(db *gorm.DB) *TenantStore { return &TenantStore{db: db} }

// ListDesired - активные тенанты с учётными данными и их отпечатки.
func (s *TenantStore) ListDesired(ctx context.Context) ([]models.TenantCredential, error) {
	var rows []models.Tenant
	if err := s.db.WithContext(ctx).
		Where("active = ? AND marketplace_login <> '' AND marketplace_secret <> ''", true).
		Order("id asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return desiredOf(rows), nil
}

func (s *TenantStore) Credentials(ctx context.Context, tenantID string) (*models.MarketplaceCredential, error) {
	var t models.Tenant
	err := s.db.WithContext(ctx).Where("id = ?", tenantID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return credentialOf(&t), nil
}

func desiredOf(rows []models.Tenant) []models.TenantCredential {
	out := make([]models.TenantCredential, 0, len(rows))
	for i := range rows {
		t := &rows[i]
		if !t.Active || !t.HasCredentials() {
			continue
		}
		out = append(out, models.TenantCredential{
			TenantID:    t.ID,
			Fingerprint: secrets.Fingerprint(t.MarketplaceLogin, t.MarketplaceSecret, t.CredentialBlob),
		})
	}
	return out
}

func credentialOf(t *models.Tenant) *models.MarketplaceCredential {
	return &models.MarketplaceCredential{
		TenantID: t.ID,
		Login:    t.MarketplaceLogin,
		Secret:   t.MarketplaceSecret,
		Blob:     t.CredentialBlob,
	}
}

// MemTenantSource - in-memory источник тенантов.
type MemTenantSource struct {
	mu      sync.RWMutex
	tenants map[string]models.Tenant
}

func NewMemTenantSource() *MemTenantSource {
	return &MemTenantSource{tenants: make(map[string]models.Tenant)}
}

func (m *MemTenantSource) Put(t models.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t
}

func (m *MemTenantSource) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tenants, id)
}

func (m *MemTenantSource) ListDesired(_ context.Context) ([]models.TenantCredential, error) {
	m.mu.RLock()
	rows := make([]models.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		rows = append(rows, t)
	}
	m.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return desiredOf(rows), nil
}

func (m *MemTenantSource) Credentials(_ context.Context, tenantID string) (*models.MarketplaceCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return credentialOf(&t), nil
}
