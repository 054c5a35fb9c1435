// Package matcher выбирает аккаунт-замену по близости MMR.
package matcher

import (
	"sort"

	"rentd/internal/models"
)

// DefaultMaxDelta - допуск по MMR, если вызывающий не задал свой.
const DefaultMaxDelta = 1000

// Criteria - параметры подбора.
type Criteria struct {
	TenantID  string
	Target    int
	ExcludeID uint
	MaxDelta  int
}

// Eligible - может ли аккаунт быть заменой по критериям.
func Eligible(a *models.Account, c Criteria) bool {
	if a.TenantID != c.TenantID || a.ID == c.ExcludeID {
		return false
	}
	if a.Rented() || a.AccountFrozen || a.Frozen || a.LowPriority || a.SkillValue == nil {
		return false
	}
	return delta(*a.SkillValue, c.Target) <= maxDelta(c)
}

// Select возвращает лучшего кандидата или nil.
// Порядок: |skill-target| ASC, skill ASC, id ASC.
func Select(candidates []models.Account, c Criteria) *models.Account {
	eligible := make([]models.Account, 0, len(candidates))
	for i := range candidates {
		if Eligible(&candidates[i], c) {
			eligible = append(eligible, candidates[i])
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		return Less(&eligible[i], &eligible[j], c.Target)
	})
	best := eligible[0]
	return &best
}

// Less - порядок кандидатов для одной цели.
func Less(a, b *models.Account, target int) bool {
	da, db := delta(*a.SkillValue, target), delta(*b.SkillValue, target)
	if da != db {
		return da < db
	}
	if *a.SkillValue != *b.SkillValue {
		return *a.SkillValue < *b.SkillValue
	}
	return a.ID < b.ID
}

func maxDelta(c Criteria) int {
	if c.MaxDelta <= 0 {
		return DefaultMaxDelta
	}
	return c.MaxDelta
}

func delta(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
