// Package storetest is a behavioural test suite shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypass/fleetwatch/internal/store"
	"github.com/skypass/fleetwatch/internal/types"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"EndpointCRUD", testEndpointCRUD},
		{"VMAddressConflict", testVMAddressConflict},
		{"NotFound", testNotFound},
		{"RecordProbe", testRecordProbe},
		{"RecordAlertSetsLastAlert", testRecordAlert},
		{"ListAlerts", testListAlerts},
		{"MarkAlertResent", testMarkAlertResent},
		{"DeleteCascades", testDeleteCascades},
		{"Admin", testAdmin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func endpoint(name, vm string) *types.TrackedEndpoint {
	return &types.TrackedEndpoint{
		Name:       name,
		VMAddress:  vm,
		Address:    "http://" + vm + ":3000",
		Limit:      100,
		AlertEmail: "ops@" + name + ".test",
	}
}

func create(t *testing.T, s store.Store, name, vm string) *types.TrackedEndpoint {
	t.Helper()
	ep := endpoint(name, vm)
	require.NoError(t, s.CreateEndpoint(context.Background(), ep))
	require.NotZero(t, ep.ID)
	return ep
}

func alert(id string, epID uint, at time.Time) *types.AlertRecord {
	return &types.AlertRecord{
		ID:         id,
		EndpointID: epID,
		Kind:       types.KindNearLimit,
		Message:    "near limit",
		Count:      85,
		Limit:      100,
		SentAt:     at,
		Delivered:  true,
	}
}

func testEndpointCRUD(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := create(t, s, "acme", "10.0.0.5")
	create(t, s, "globex", "10.0.0.6")

	list, err := s.ListEndpoints(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "acme", list[0].Name)
	assert.Equal(t, 100, list[0].Limit)
	assert.Nil(t, list[0].LastAlertAt)

	a.Name = "acme-renamed"
	a.Limit = 250
	a.AlertEmail = ""
	a.DeviceCount = 999 // not operator-editable
	require.NoError(t, s.UpdateEndpoint(ctx, a))

	got, err := s.GetEndpoint(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme-renamed", got.Name)
	assert.Equal(t, 250, got.Limit)
	assert.Empty(t, got.AlertEmail)
	assert.Zero(t, got.DeviceCount)
}

func testVMAddressConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, "acme", "10.0.0.5")
	b := create(t, s, "globex", "10.0.0.6")

	err := s.CreateEndpoint(ctx, endpoint("dup", "10.0.0.5"))
	assert.ErrorIs(t, err, store.ErrConflict)

	b.VMAddress = "10.0.0.5"
	assert.ErrorIs(t, s.UpdateEndpoint(ctx, b), store.ErrConflict)

	// Re-saving an endpoint with its own address is fine.
	b.VMAddress = "10.0.0.6"
	assert.NoError(t, s.UpdateEndpoint(ctx, b))
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetEndpoint(ctx, 4242)
	assert.ErrorIs(t, err, store.ErrNotFound)

	ghost := endpoint("ghost", "10.9.9.9")
	ghost.ID = 4242
	assert.ErrorIs(t, s.UpdateEndpoint(ctx, ghost), store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteEndpoint(ctx, 4242), store.ErrNotFound)

	_, err = s.RecordProbe(ctx, 4242, 1, base)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.RecordAlert(ctx, alert("a-ghost", 4242, base)), store.ErrNotFound)

	_, err = s.GetAlert(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.MarkAlertResent(ctx, "missing", base), store.ErrNotFound)

	_, err = s.GetAdmin(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRecordProbe(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := create(t, s, "acme", "10.0.0.5")

	got, err := s.RecordProbe(ctx, a.ID, 81, base)
	require.NoError(t, err)
	assert.Equal(t, 81, got.DeviceCount)
	require.NotNil(t, got.LastProbeAt)
	assert.WithinDuration(t, base, *got.LastProbeAt, time.Second)
	assert.Nil(t, got.LastAlertAt)

	got, err = s.RecordProbe(ctx, a.ID, 0, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, got.DeviceCount)
}

func testRecordAlert(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := create(t, s, "acme", "10.0.0.5")

	rec := alert("a-1", a.ID, base)
	require.NoError(t, s.RecordAlert(ctx, rec))

	got, err := s.GetEndpoint(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastAlertAt)
	assert.WithinDuration(t, base, *got.LastAlertAt, time.Second)

	stored, err := s.GetAlert(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, types.KindNearLimit, stored.Kind)
	assert.Equal(t, 85, stored.Count)
	assert.Equal(t, 100, stored.Limit)
	assert.True(t, stored.Delivered)
	assert.Nil(t, stored.ResentAt)

	assert.ErrorIs(t, s.RecordAlert(ctx, alert("a-1", a.ID, base.Add(time.Hour))), store.ErrConflict)
	got, err = s.GetEndpoint(ctx, a.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, base, *got.LastAlertAt, time.Second, "failed insert must not move last alert")
}

func testListAlerts(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := create(t, s, "acme", "10.0.0.5")
	b := create(t, s, "globex", "10.0.0.6")

	require.NoError(t, s.RecordAlert(ctx, alert("a-1", a.ID, base)))
	require.NoError(t, s.RecordAlert(ctx, alert("b-1", b.ID, base.Add(time.Hour))))
	require.NoError(t, s.RecordAlert(ctx, alert("a-2", a.ID, base.Add(2*time.Hour))))

	all, err := s.ListAlerts(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a-2", "b-1", "a-1"}, []string{all[0].ID, all[1].ID, all[2].ID})

	onlyA, err := s.ListAlerts(ctx, a.ID, 0)
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.Equal(t, "a-2", onlyA[0].ID)

	latest, err := s.ListAlerts(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "a-2", latest[0].ID)
}

func testMarkAlertResent(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := create(t, s, "acme", "10.0.0.5")
	rec := alert("a-1", a.ID, base)
	rec.Delivered = false
	require.NoError(t, s.RecordAlert(ctx, rec))

	resent := base.Add(3 * time.Hour)
	require.NoError(t, s.MarkAlertResent(ctx, "a-1", resent))

	got, err := s.GetAlert(ctx, "a-1")
	require.NoError(t, err)
	assert.True(t, got.Delivered)
	require.NotNil(t, got.ResentAt)
	assert.WithinDuration(t, resent, *got.ResentAt, time.Second)

	ep, err := s.GetEndpoint(ctx, a.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, base, *ep.LastAlertAt, time.Second)
}

func testDeleteCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := create(t, s, "acme", "10.0.0.5")
	b := create(t, s, "globex", "10.0.0.6")
	require.NoError(t, s.RecordAlert(ctx, alert("a-1", a.ID, base)))
	require.NoError(t, s.RecordAlert(ctx, alert("b-1", b.ID, base)))

	require.NoError(t, s.DeleteEndpoint(ctx, a.ID))

	_, err := s.GetEndpoint(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetAlert(ctx, "a-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	rest, err := s.ListAlerts(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "b-1", rest[0].ID)
}

func testAdmin(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveAdmin(ctx, &types.Admin{Username: "admin", PasswordHash: "h1"}))

	got, err := s.GetAdmin(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, "h1", got.PasswordHash)
	id := got.ID

	require.NoError(t, s.SaveAdmin(ctx, &types.Admin{Username: "admin", PasswordHash: "h2"}))
	got, err = s.GetAdmin(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.PasswordHash)
	assert.Equal(t, id, got.ID)
}
