package rental

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentd/internal/models"
	"rentd/internal/realtime"
	"rentd/internal/repo"
)

func TestAssign(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	a := f.add(t, models.Account{Login: "acc1", RentalDurationMinutes: 60})

	ok, err := f.svc.Assign(ctx, a.ID, "t1", "buyer-1")
	require.NoError(t, err)
	assert.True(t, ok)

	got := f.get(t, a.ID)
	assert.Equal(t, "buyer-1", got.Owner)
	assert.Equal(t, "t1", got.LastRentedTenantID)
	assert.Nil(t, got.RentalStartedAt, "clock starts on a separate event")
	assert.False(t, got.Frozen)

	ok, err = f.svc.Assign(ctx, a.ID, "t1", "buyer-2")
	require.NoError(t, err)
	assert.False(t, ok, "owned account is a conflict")
	assert.Equal(t, "buyer-1", f.get(t, a.ID).Owner)

	assert.Equal(t, []string{models.AuditAssigned}, f.notify.kinds())
	assert.Equal(t, []string{"t1"}, f.cache.tenants)
	require.Len(t, f.pub.events, 1)
	assert.Equal(t, "account.assigned", f.pub.events[0].Type)
}

func TestAssignErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	a := f.add(t, models.Account{})
	other := f.add(t, models.Account{TenantID: "t2"})

	_, err := f.svc.Assign(ctx, 999, "t1", "b")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Assign(ctx, other.ID, "t1", "b")
	assert.ErrorIs(t, err, ErrNotFound, "foreign tenant looks like a missing account")

	_, err = f.svc.Assign(ctx, a.ID, "t1", "  ")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.svc.AssignWithDuration(ctx, a.ID, "t1", "b", -5)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAssignAfterReleaseStartsFreshDuration(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	a := f.add(t, models.Account{})

	ok, err := f.svc.AssignWithDuration(ctx, a.ID, "t1", "b1", 60)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.svc.ExtendDuration(ctx, a.ID, "t1", 30)
	require.NoError(t, err)
	ok, err = f.svc.Release(ctx, a.ID, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 90, f.get(t, a.ID).RentalDurationMinutes, "release keeps the last rental's minutes")

	ok, err = f.svc.AssignWithDuration(ctx, a.ID, "t1", "b2", 45)
	require.NoError(t, err)
	require.True(t, ok)
	got := f.get(t, a.ID)
	assert.Equal(t, "b2", got.Owner)
	assert.Equal(t, 45, got.RentalDurationMinutes)

	f.notify.mu.Lock()
	last := f.notify.audit[len(f.notify.audit)-1]
	f.notify.mu.Unlock()
	assert.Equal(t, models.AuditAssigned, last.Kind)
	assert.JSONEq(t, `{"account_id":1,"owner":"b2","duration_minutes":45,"previous_duration_minutes":90}`, string(last.Payload))
}

func TestAssignExclusive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.add(t, models.Account{})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := f.svc.Assign(context.Background(), a.ID, "t1", fmt.Sprintf("buyer-%d", i))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestReleaseIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	a := f.add(t, models.Account{Owner: "buyer", RentalStartedAt: at(0), Frozen: true, FrozenAt: at(0)})

	ok, err := f.svc.Release(ctx, a.ID, "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	released := f.get(t, a.ID)
	assert.Empty(t, released.Owner)
	assert.Nil(t, released.RentalStartedAt)
	assert.False(t, released.Frozen)
	assert.Nil(t, released.FrozenAt)

	ok, err = f.svc.Release(ctx, a.ID, "t1")
	require.NoError(t, err)
	assert.False(t, ok)
	again := f.get(t, a.ID)
	assert.Equal(t, released.Version, again.Version)
	assert.Equal(t, released.UpdatedAt, again.UpdatedAt)
}

func TestExtendDurationConcurrent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.add(t, models.Account{Owner: "buyer", RentalDurationMinutes: 60})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ExtendDuration(context.Background(), a.ID, "t1", 15)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 120, f.get(t, a.ID).RentalDurationMinutes)

	_, err := f.svc.ExtendDuration(context.Background(), a.ID, "t1", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStartClock(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	free := f.add(t, models.Account{})
	a := f.add(t, models.Account{Owner: "buyer", RentalDurationMinutes: 30})

	ok, err := f.svc.StartClock(ctx, free.ID, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.svc.StartClock(ctx, a.ID, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NotNil(t, f.get(t, a.ID).RentalStartedAt)
	assert.True(t, f.get(t, a.ID).RentalStartedAt.Equal(t0))

	f.clock.Advance(5 * time.Minute)
	ok, err = f.svc.StartClock(ctx, a.ID, "t1")
	require.NoError(t, err)
	assert.False(t, ok, "second start does not move the clock")
	assert.True(t, f.get(t, a.ID).RentalStartedAt.Equal(t0))
}

// События аккаунтов общие для тенанта: соединение с scope их тоже получает.
func TestAccountEventsAreTenantGlobal(t *testing.T) {
	t.Parallel()
	hub := realtime.NewHub(realtime.Options{})
	store := repo.NewMemAccountStore()
	ctx := context.Background()
	a := &models.Account{TenantID: "t1", Login: "acc1"}
	require.NoError(t, store.Create(ctx, a))
	svc, err := NewService(Deps{Store: store, Publisher: hub})
	require.NoError(t, err)

	scoped := hub.Connect("t1", "shop-a")
	foreign := hub.Connect("t2", "")
	require.NoError(t, hub.Subscribe(scoped, realtime.TopicAccounts))
	require.NoError(t, hub.Subscribe(foreign, realtime.TopicAccounts))

	ok, err := svc.Assign(ctx, a.ID, "t1", "buyer")
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case frame := <-scoped.Send():
		assert.Contains(t, string(frame), `"type":"account.assigned"`)
	case <-time.After(time.Second):
		t.Fatal("scoped connection got no account event")
	}
	select {
	case frame := <-foreign.Send():
		t.Fatalf("other tenant got %s", frame)
	default:
	}
}
