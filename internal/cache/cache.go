// Package cache - кэш списков аккаунтов тенанта. Инвалидация: любая
// мутация аккаунтов тенанта сбрасывает его ключ и поднимает поколение.
// Запись принимается только для поколения, прочитанного до выборки из БД,
// иначе список, собранный до параллельной инвалидации, пережил бы её.
package cache

import (
	"context"
	"sync"
	"time"

	"rentd/internal/models"
)

type AccountCache interface {
	// GetAccounts возвращает текущее поколение тенанта и при промахе.
	GetAccounts(ctx context.Context, tenantID string) (list []models.Account, gen uint64, ok bool)
	// SetAccounts - no-op, если с gen тенант успели инвалидировать.
	SetAccounts(ctx context.Context, tenantID string, gen uint64, list []models.Account)
	InvalidateTenant(ctx context.Context, tenantID string)
}

const DefaultTTL = 30 * time.Second

func key(tenantID string) string { return "accounts:list:" + tenantID }

type entry struct {
	list    []models.Account
	gen     uint64
	expires time.Time
}

// Memory - TTL-кэш в памяти процесса. Просроченные записи чистятся лениво
// и периодическим GC.
type Memory struct {
	mu   sync.Mutex
	data map[string]entry
	gens map[string]uint64
	ttl  time.Duration
	now  func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{data: make(map[string]entry), gens: make(map[string]uint64), ttl: ttl, now: time.Now}
}

func (m *Memory) GetAccounts(_ context.Context, tenantID string) ([]models.Account, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen := m.gens[tenantID]
	e, ok := m.data[key(tenantID)]
	if !ok || e.gen != gen {
		return nil, gen, false
	}
	if m.now().After(e.expires) {
		delete(m.data, key(tenantID))
		return nil, gen, false
	}
	return append([]models.Account(nil), e.list...), gen, true
}

func (m *Memory) SetAccounts(_ context.Context, tenantID string, gen uint64, list []models.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gens[tenantID] != gen {
		return
	}
	m.data[key(tenantID)] = entry{list: append([]models.Account(nil), list...), gen: gen, expires: m.now().Add(m.ttl)}
}

func (m *Memory) InvalidateTenant(_ context.Context, tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gens[tenantID]++
	delete(m.data, key(tenantID))
}

// GC удаляет просроченное раз в interval до отмены ctx.
func (m *Memory) GC(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.mu.Lock()
			now := m.now()
			for k, e := range m.data {
				if now.After(e.expires) {
					delete(m.data, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
