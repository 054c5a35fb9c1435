package repo

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"rentd/internal/matcher"
	"rentd/internal/models"
)

// MemAccountStore - in-memory AccountRepo (режим без БД и тесты).
// Один мьютекс на всё хранилище; Tx держит его на время всей транзакции.
type MemAccountStore struct {
	mu   sync.Mutex
	rows map[uint]models.Account
	seq  uint
	now  func() time.Time
}

func NewMemAccountStore() *MemAccountStore {
	return &MemAccountStore{rows: make(map[uint]models.Account), now: time.Now}
}

func (s *MemAccountStore) Create(_ context.Context, a *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		s.seq++
		a.ID = s.seq
	} else if a.ID > s.seq {
		s.seq = a.ID
	}
	if _, exists := s.rows[a.ID]; exists {
		return fmt.Errorf("account %d already exists", a.ID)
	}
	if a.Version == 0 {
		a.Version = 1
	}
	now := s.now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	s.rows[a.ID] = *a
	return nil
}

func (s *MemAccountStore) Get(ctx context.Context, id uint, tenantID string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.Get(ctx, id, tenantID)
}

func (s *MemAccountStore) List(ctx context.Context, tenantID string) ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.List(ctx, tenantID)
}

func (s *MemAccountStore) ListRunning(ctx context.Context, tenantID string) ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.ListRunning(ctx, tenantID)
}

func (s *MemAccountStore) ConditionalUpdate(ctx context.Context, id uint, tenantID string, exp models.Expect, ch models.Changes) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.ConditionalUpdate(ctx, id, tenantID, exp, ch)
}

func (s *MemAccountStore) FindReplacementCandidate(ctx context.Context, tenantID string, target int, excludeID uint, maxDelta int) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.FindReplacementCandidate(ctx, tenantID, target, excludeID, maxDelta)
}

// Tx откатывает все изменения, если fn вернула ошибку.
func (s *MemAccountStore) Tx(ctx context.Context, fn func(tx AccountRepo) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := maps.Clone(s.rows)
	if err := fn(memView{s}); err != nil {
		s.rows = snapshot
		return err
	}
	return nil
}

// memView работает с картой без блокировки: вызывающий уже держит s.mu.
type memView struct{ s *MemAccountStore }

func (v memView) Get(_ context.Context, id uint, tenantID string) (*models.Account, error) {
	row, ok := v.s.rows[id]
	if !ok || row.TenantID != tenantID {
		return nil, ErrAccountNotFound
	}
	return &row, nil
}

func (v memView) List(_ context.Context, tenantID string) ([]models.Account, error) {
	return v.filter(func(a *models.Account) bool { return a.TenantID == tenantID }), nil
}

func (v memView) ListRunning(_ context.Context, tenantID string) ([]models.Account, error) {
	return v.filter(func(a *models.Account) bool {
		if tenantID != "" && a.TenantID != tenantID {
			return false
		}
		return a.Rented() && a.RentalStartedAt != nil && !a.Frozen
	}), nil
}

func (v memView) filter(keep func(a *models.Account) bool) []models.Account {
	out := make([]models.Account, 0)
	for _, row := range v.s.rows {
		if keep(&row) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v memView) ConditionalUpdate(_ context.Context, id uint, tenantID string, exp models.Expect, ch models.Changes) (bool, error) {
	row, ok := v.s.rows[id]
	if !ok || row.TenantID != tenantID || !matchesExpect(&row, exp) {
		return false, nil
	}
	if err := applyChanges(&row, ch); err != nil {
		return false, err
	}
	row.Version++
	row.UpdatedAt = v.s.now().UTC()
	v.s.rows[id] = row
	return true, nil
}

func (v memView) FindReplacementCandidate(_ context.Context, tenantID string, target int, excludeID uint, maxDelta int) (*models.Account, error) {
	rows := v.filter(func(a *models.Account) bool { return a.TenantID == tenantID })
	return matcher.Select(rows, matcher.Criteria{
		TenantID:  tenantID,
		Target:    target,
		ExcludeID: excludeID,
		MaxDelta:  maxDelta,
	}), nil
}

func (v memView) Tx(_ context.Context, fn func(tx AccountRepo) error) error {
	return fn(v)
}

func matchesExpect(a *models.Account, exp models.Expect) bool {
	if exp.Unowned && a.Owner != "" {
		return false
	}
	if exp.Owner != "" && a.Owner != exp.Owner {
		return false
	}
	if exp.Frozen != nil && a.Frozen != *exp.Frozen {
		return false
	}
	if exp.NotStarted && a.RentalStartedAt != nil {
		return false
	}
	if exp.Version > 0 && a.Version != exp.Version {
		return false
	}
	return true
}

func applyChanges(a *models.Account, ch models.Changes) error {
	for col, val := range ch {
		switch col {
		case models.ColOwner:
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("column %s: want string, got %T", col, val)
			}
			a.Owner = s
		case models.ColLastRentedTenantID:
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("column %s: want string, got %T", col, val)
			}
			a.LastRentedTenantID = s
		case models.ColRentalStartedAt:
			t, err := timeValue(col, val)
			if err != nil {
				return err
			}
			a.RentalStartedAt = t
		case models.ColFrozenAt:
			t, err := timeValue(col, val)
			if err != nil {
				return err
			}
			a.FrozenAt = t
		case models.ColRentalDuration:
			n, ok := val.(int)
			if !ok {
				return fmt.Errorf("column %s: want int, got %T", col, val)
			}
			a.RentalDurationMinutes = n
		case models.ColFrozen:
			b, ok := val.(bool)
			if !ok {
				return fmt.Errorf("column %s: want bool, got %T", col, val)
			}
			a.Frozen = b
		case models.ColLowPriority:
			b, ok := val.(bool)
			if !ok {
				return fmt.Errorf("column %s: want bool, got %T", col, val)
			}
			a.LowPriority = b
		default:
			return fmt.Errorf("column %s is not updatable", col)
		}
	}
	return nil
}

func timeValue(col string, val any) (*time.Time, error) {
	switch t := val.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &t, nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		cp := *t
		return &cp, nil
	default:
		return nil, fmt.Errorf("column %s: want time, got %T", col, val)
	}
}
