package rental

import (
	"rentd/internal/matcher"
	"rentd/internal/models"
)

// SelectReplacement - лучший кандидат на замену или nil. Без побочных эффектов.
func SelectReplacement(candidates []models.Account, tenantID string, target int, excludeID uint, maxDelta int) *models.Account {
	return matcher.Select(candidates, matcher.Criteria{
		TenantID:  tenantID,
		Target:    target,
		ExcludeID: excludeID,
		MaxDelta:  maxDelta,
	})
}
