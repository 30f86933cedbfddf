package alerter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypass/fleetwatch/internal/types"
)

type fakeNotifier struct {
	err    error
	calls  []types.AlertKind
	count  []int
	onSend func()
}

func (f *fakeNotifier) Notify(_ context.Context, _ types.TrackedEndpoint, count int, kind types.AlertKind) error {
	f.calls = append(f.calls, kind)
	f.count = append(f.count, count)
	if f.onSend != nil {
		f.onSend()
	}
	return f.err
}

type fakeRecorder struct {
	records []*types.AlertRecord
	resent  map[string]time.Time
	err     error
}

func (f *fakeRecorder) RecordAlert(ctx context.Context, rec *types.AlertRecord) error {
	if f.err != nil {
		return f.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRecorder) MarkAlertResent(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.resent == nil {
		f.resent = map[string]time.Time{}
	}
	f.resent[id] = at
	return nil
}

var engineNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(n Notifier, r Recorder) *Engine {
	return NewEngine(n, r, zerolog.Nop()).WithClock(func() time.Time { return engineNow })
}

func tenant() types.TrackedEndpoint {
	return types.TrackedEndpoint{ID: 7, Name: "acme", Limit: 100, AlertEmail: "ops@acme.test"}
}

func TestProcessFiresAndRecords(t *testing.T) {
	n, r := &fakeNotifier{}, &fakeRecorder{}
	e := newTestEngine(n, r)

	rec, decision, err := e.Process(context.Background(), tenant(), 81, Deduplicator{Cooldown: DefaultCooldown})
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.True(t, decision.Fire)
	assert.Equal(t, []types.AlertKind{types.KindNearLimit}, n.calls)
	require.Len(t, r.records, 1)
	assert.Equal(t, uint(7), rec.EndpointID)
	assert.Equal(t, types.KindNearLimit, rec.Kind)
	assert.Equal(t, 81, rec.Count)
	assert.Equal(t, 100, rec.Limit)
	assert.Equal(t, engineNow, rec.SentAt)
	assert.True(t, rec.Delivered)
	assert.Len(t, rec.ID, 36)
	assert.Contains(t, rec.Message, "81/100")
}

func TestProcessNormalDoesNothing(t *testing.T) {
	n, r := &fakeNotifier{}, &fakeRecorder{}
	rec, decision, err := newTestEngine(n, r).Process(context.Background(), tenant(), 10, Deduplicator{Cooldown: DefaultCooldown})
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.False(t, decision.Fire)
	assert.Empty(t, n.calls)
	assert.Empty(t, r.records)
}

func TestProcessRespectsCooldown(t *testing.T) {
	n, r := &fakeNotifier{}, &fakeRecorder{}
	ep := tenant()
	last := engineNow.Add(-time.Hour)
	ep.LastAlertAt = &last

	rec, _, err := newTestEngine(n, r).Process(context.Background(), ep, 150, Deduplicator{Cooldown: DefaultCooldown})
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, n.calls)
}

func TestFireNotifierFailurePersistsNothing(t *testing.T) {
	n := &fakeNotifier{err: errors.New("smtp down")}
	r := &fakeRecorder{}

	rec, err := newTestEngine(n, r).Fire(context.Background(), tenant(), 120, types.KindExceeded)
	require.Error(t, err)
	assert.ErrorIs(t, err, n.err)
	assert.Nil(t, rec)
	assert.Empty(t, r.records)
}

func TestFireRecorderFailure(t *testing.T) {
	n := &fakeNotifier{}
	r := &fakeRecorder{err: errors.New("disk full")}

	_, err := newTestEngine(n, r).Fire(context.Background(), tenant(), 120, types.KindExceeded)
	assert.ErrorIs(t, err, r.err)
	assert.Len(t, n.calls, 1)
}

func TestResendUsesCurrentCount(t *testing.T) {
	n, r := &fakeNotifier{}, &fakeRecorder{}
	ep := tenant()
	ep.DeviceCount = 130

	at, err := newTestEngine(n, r).Resend(context.Background(), types.AlertRecord{ID: "a1", Kind: types.KindExceeded, Count: 110}, ep)
	require.NoError(t, err)
	assert.Equal(t, engineNow, at)
	assert.Equal(t, []int{130}, n.count)
	assert.Equal(t, engineNow, r.resent["a1"])
	assert.Empty(t, r.records)
}

func TestSummarize(t *testing.T) {
	ep := tenant()
	assert.Equal(t, "acme exceeded its device limit: 120/100 (120.0%, 20 over)", Summarize(ep, 120, types.KindExceeded))
	assert.Equal(t, "acme is near its device limit: 85/100 (85.0%)", Summarize(ep, 85, types.KindNearLimit))
}

func TestFireRecordsAfterCancelDuringSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, r := &fakeNotifier{onSend: cancel}, &fakeRecorder{}
	e := newTestEngine(n, r)

	rec, err := e.Fire(ctx, tenant(), 120, types.KindExceeded)
	require.NoError(t, err)
	require.Len(t, r.records, 1)
	assert.Equal(t, rec.ID, r.records[0].ID)
	assert.Error(t, ctx.Err())
}

func TestResendMarksAfterCancelDuringSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, r := &fakeNotifier{onSend: cancel}, &fakeRecorder{}
	e := newTestEngine(n, r)

	at, err := e.Resend(ctx, types.AlertRecord{ID: "alert-1", Kind: types.KindNearLimit}, tenant())
	require.NoError(t, err)
	assert.Equal(t, engineNow, r.resent["alert-1"])
	assert.Equal(t, engineNow, at)
}
