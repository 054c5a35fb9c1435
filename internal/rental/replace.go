package rental

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rentd/internal/models"
	"rentd/internal/repo"
)

// Причины, по которым замена не состоялась.
const (
	ReasonNotOwned    = "not_owned"
	ReasonNoSkill     = "no_skill_value"
	ReasonNoCandidate = "no_candidate"
	ReasonConflict    = "conflict"
)

type ReplaceResult struct {
	Replaced bool
	Reason   string
	Old      *models.Account
	New      *models.Account
	Revoke   models.ExternalResult
}

// errAbort откатывает транзакцию замены без ошибки для вызывающего.
var errAbort = errors.New("replace aborted")

// Replace пересаживает покупателя со старого аккаунта на ближайший по MMR.
// Выдача нового и освобождение старого (с lowPriority) - одна транзакция.
// owner != "" дополнительно проверяет, что старый аккаунт у этого покупателя.
func (s *Service) Replace(ctx context.Context, oldID uint, tenantID, owner string, maxDelta int) (res ReplaceResult, err error) {
	defer func() { observe("replace", res.Replaced, err) }()
	res.Revoke = models.Skipped()
	if maxDelta <= 0 {
		maxDelta = s.maxDelta
	}
	now := s.Now()

	err = s.store.Tx(ctx, func(tx repo.AccountRepo) error {
		res = ReplaceResult{Revoke: models.Skipped()}

		old, err := tx.Get(ctx, oldID, tenantID)
		if err != nil {
			return err
		}
		res.Old = old
		if !old.Rented() || (owner != "" && old.Owner != owner) {
			res.Reason = ReasonNotOwned
			return errAbort
		}
		if old.SkillValue == nil {
			res.Reason = ReasonNoSkill
			return errAbort
		}

		buyer := old.Owner
		start := EffectiveStart(old, now)

		for attempt := 0; attempt < maxCASAttempts; attempt++ {
			cand, err := tx.FindReplacementCandidate(ctx, tenantID, *old.SkillValue, old.ID, maxDelta)
			if err != nil {
				return fmt.Errorf("find candidate: %w", err)
			}
			if cand == nil {
				res.Reason = ReasonNoCandidate
				return errAbort
			}

			ok, err := s.update(ctx, tx, cand, models.Expect{Unowned: true, Version: cand.Version}, models.Changes{
				models.ColOwner:              buyer,
				models.ColLastRentedTenantID: tenantID,
				models.ColRentalStartedAt:    timeOrNil(start),
				models.ColRentalDuration:     old.RentalDurationMinutes,
				models.ColFrozen:             false,
				models.ColFrozenAt:           nil,
			})
			if err != nil {
				return err
			}
			if !ok {
				continue // кандидата увели, берём следующего
			}

			rel := ReleaseChanges()
			rel[models.ColLowPriority] = true
			ok, err = s.update(ctx, tx, old, models.Expect{Owner: buyer, Version: old.Version}, rel)
			if err != nil {
				return err
			}
			if !ok {
				res.Reason = ReasonConflict
				return errAbort
			}

			if res.New, err = tx.Get(ctx, cand.ID, tenantID); err != nil {
				return err
			}
			if res.Old, err = tx.Get(ctx, old.ID, tenantID); err != nil {
				return err
			}
			res.Replaced = true
			return nil
		}
		res.Reason = ReasonConflict
		return errAbort
	})
	if errors.Is(err, errAbort) {
		return res, nil
	}
	if err != nil {
		res.Replaced = false
		return res, err
	}

	old := res.Old
	res.Revoke = s.revoker.Revoke(ctx, old.Credential())
	if res.Revoke.Failed() {
		s.log(old).WithError(res.Revoke.Err).Warn("rental: revoke after replace failed")
	}

	remaining, _ := RemainingTime(res.New, now)
	s.log(old).WithField("new_account", res.New.ID).WithField("remaining", remaining).Info("rental: replaced")
	s.Changed(ctx, old, models.AuditReplaced, res.New.Owner, map[string]any{
		"new_account_id":    res.New.ID,
		"remaining_seconds": int64(remaining / time.Second),
		"revoke":            res.Revoke.Status,
	})
	return res, nil
}
