package rental

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentd/internal/models"
	"rentd/internal/repo"
)

func TestSelectReplacementExample(t *testing.T) {
	t.Parallel()
	candidates := []models.Account{
		{ID: 1, TenantID: "t1", Owner: "buyer", SkillValue: skill(1500)},
		{ID: 2, TenantID: "t1", SkillValue: skill(1600)},
		{ID: 3, TenantID: "t1", SkillValue: skill(1520)},
	}
	for i := 0; i < 10; i++ {
		got := SelectReplacement(candidates, "t1", 1500, 1, 1000)
		require.NotNil(t, got)
		assert.Equal(t, uint(3), got.ID)
	}
}

func TestReplace(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	old := f.add(t, models.Account{
		Owner: "buyer", Login: "old", SkillValue: skill(1500),
		RentalStartedAt: at(0), RentalDurationMinutes: 120,
		Frozen: true, FrozenAt: at(30 * time.Minute),
	})
	far := f.add(t, models.Account{SkillValue: skill(1600)})
	near := f.add(t, models.Account{SkillValue: skill(1520)})
	f.clock.Advance(40 * time.Minute)

	res, err := f.svc.Replace(ctx, old.ID, "t1", "buyer", 0)
	require.NoError(t, err)
	require.True(t, res.Replaced, res.Reason)
	assert.Equal(t, near.ID, res.New.ID)
	assert.Equal(t, models.ExternalOK, res.Revoke.Status)

	gotOld := f.get(t, old.ID)
	assert.Empty(t, gotOld.Owner)
	assert.True(t, gotOld.LowPriority)
	assert.False(t, gotOld.Frozen)

	gotNew := f.get(t, near.ID)
	assert.Equal(t, "buyer", gotNew.Owner)
	assert.Equal(t, 120, gotNew.RentalDurationMinutes)
	assert.False(t, gotNew.Frozen)
	rem, ok := RemainingTime(gotNew, f.clock.Now())
	require.True(t, ok)
	assert.Equal(t, 90*time.Minute, rem, "elapsed time carried over")

	assert.Empty(t, f.get(t, far.ID).Owner)
	require.Len(t, f.revoker.calls, 1)
	assert.Equal(t, "old", f.revoker.calls[0].Login)
}

func TestReplaceNoCandidateLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	old := f.add(t, models.Account{Owner: "buyer", SkillValue: skill(1500), RentalStartedAt: at(0), RentalDurationMinutes: 60})
	f.add(t, models.Account{SkillValue: skill(3000)})
	f.add(t, models.Account{SkillValue: skill(1510), AccountFrozen: true})
	f.add(t, models.Account{SkillValue: skill(1510), LowPriority: true})
	f.add(t, models.Account{SkillValue: skill(1510), Owner: "someone"})
	before := f.get(t, old.ID)

	res, err := f.svc.Replace(ctx, old.ID, "t1", "", 100)
	require.NoError(t, err)
	assert.False(t, res.Replaced)
	assert.Equal(t, ReasonNoCandidate, res.Reason)
	assert.Equal(t, before, f.get(t, old.ID))
	assert.Empty(t, f.revoker.calls)
}

func TestReplaceRejectsWrongOwner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	old := f.add(t, models.Account{Owner: "buyer", SkillValue: skill(1500)})
	f.add(t, models.Account{SkillValue: skill(1500)})

	res, err := f.svc.Replace(context.Background(), old.ID, "t1", "intruder", 0)
	require.NoError(t, err)
	assert.False(t, res.Replaced)
	assert.Equal(t, ReasonNotOwned, res.Reason)

	res, err = f.svc.Replace(context.Background(), 77, "t1", "", 0)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, res.Replaced)
}

func TestReplaceWithoutSkill(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	old := f.add(t, models.Account{Owner: "buyer"})
	res, err := f.svc.Replace(context.Background(), old.ID, "t1", "", 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoSkill, res.Reason)
}

func TestReplaceRollsBackWhenReleaseFails(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	// 1-й CAS - выдача кандидата, 2-й - освобождение старого аккаунта
	f := newFixtureWith(t, func(mem *repo.MemAccountStore) repo.AccountRepo {
		return hooked(mem, func(n int, _ uint) error {
			if n == 2 {
				return boom
			}
			return nil
		})
	})
	ctx := context.Background()
	old := f.add(t, models.Account{Owner: "buyer", SkillValue: skill(1500), RentalStartedAt: at(0), RentalDurationMinutes: 60})
	cand := f.add(t, models.Account{SkillValue: skill(1510)})
	oldBefore, candBefore := f.get(t, old.ID), f.get(t, cand.ID)

	res, err := f.svc.Replace(ctx, old.ID, "t1", "buyer", 0)
	require.ErrorIs(t, err, boom)
	assert.False(t, res.Replaced)

	assert.Equal(t, oldBefore, f.get(t, old.ID), "old account still owned")
	assert.Equal(t, candBefore, f.get(t, cand.ID), "candidate assignment rolled back")
	assert.Empty(t, f.get(t, cand.ID).Owner)
	assert.Equal(t, "buyer", f.get(t, old.ID).Owner)
	assert.Empty(t, f.revoker.calls)
	assert.Empty(t, f.notify.kinds())
}
