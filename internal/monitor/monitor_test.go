package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypass/fleetwatch/internal/alerter"
	"github.com/skypass/fleetwatch/internal/config"
	"github.com/skypass/fleetwatch/internal/prober"
	"github.com/skypass/fleetwatch/internal/store"
	"github.com/skypass/fleetwatch/internal/types"
)

// memStore implements Repository and alerter.Recorder.
type memStore struct {
	mu        sync.Mutex
	eps       map[uint]*types.TrackedEndpoint
	alerts    []*types.AlertRecord
	probeErrs map[uint]error
}

func newMemStore(eps ...types.TrackedEndpoint) *memStore {
	s := &memStore{eps: map[uint]*types.TrackedEndpoint{}, probeErrs: map[uint]error{}}
	for i := range eps {
		ep := eps[i]
		s.eps[ep.ID] = &ep
	}
	return s
}

func (s *memStore) ListEndpoints(context.Context) ([]types.TrackedEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.TrackedEndpoint, 0, len(s.eps))
	for _, ep := range s.eps {
		out = append(out, *ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetEndpoint(_ context.Context, id uint) (*types.TrackedEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.eps[id]
	if !ok {
		return nil, fmt.Errorf("endpoint %d: %w", id, store.ErrNotFound)
	}
	cp := *ep
	return &cp, nil
}

func (s *memStore) RecordProbe(_ context.Context, id uint, count int, at time.Time) (*types.TrackedEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.probeErrs[id]; err != nil {
		return nil, err
	}
	ep, ok := s.eps[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	ep.DeviceCount = count
	ep.LastProbeAt = &at
	cp := *ep
	return &cp, nil
}

func (s *memStore) RecordAlert(_ context.Context, rec *types.AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.eps[rec.EndpointID]
	if !ok {
		return store.ErrNotFound
	}
	sent := rec.SentAt
	ep.LastAlertAt = &sent
	s.alerts = append(s.alerts, rec)
	return nil
}

func (s *memStore) GetAlert(_ context.Context, id string) (*types.AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.alerts {
		if rec.ID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) MarkAlertResent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.alerts {
		if rec.ID == id {
			rec.Delivered = true
			rec.ResentAt = &at
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *memStore) endpoint(id uint) types.TrackedEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.eps[id]
}

func (s *memStore) alertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

// scriptedProber answers by address; "panic" panics and unknown addresses
// are unreachable.
type scriptedProber struct {
	mu     sync.Mutex
	counts map[string]int
	calls  atomic.Int32
}

func (p *scriptedProber) Probe(_ context.Context, t prober.Target) prober.Result {
	p.calls.Add(1)
	if t.Address == "panic" {
		panic("boom")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.counts[t.Address]
	if !ok {
		return prober.Result{Attempts: []prober.Attempt{{URL: t.Address, Error: "connection refused"}}}
	}
	return prober.Result{Count: n, Reachable: true, URL: t.Address + "/devices"}
}

func (p *scriptedProber) set(address string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[address] = n
}

type recordingNotifier struct {
	mu    sync.Mutex
	err   error
	kinds []types.AlertKind
}

func (n *recordingNotifier) Notify(_ context.Context, _ types.TrackedEndpoint, _ int, kind types.AlertKind) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.kinds = append(n.kinds, kind)
	return nil
}

func (n *recordingNotifier) fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *recordingNotifier) sent() []types.AlertKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.AlertKind(nil), n.kinds...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store    *memStore
	prober   *scriptedProber
	notifier *recordingNotifier
	clock    *clock
	cfg      *config.Config
	monitor  *Monitor
}

func newHarness(t *testing.T, eps ...types.TrackedEndpoint) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(eps...),
		prober:   &scriptedProber{counts: map[string]int{}},
		notifier: &recordingNotifier{},
		clock:    &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		cfg:      config.Default(),
	}
	holder := config.NewHolder(h.cfg, "")
	engine := alerter.NewEngine(h.notifier, h.store, zerolog.Nop()).WithClock(h.clock.Now)
	h.monitor = New(h.store, h.prober, engine, holder, zerolog.Nop()).WithClock(h.clock.Now)
	return h
}

func tenant(id uint, address string, limit int) types.TrackedEndpoint {
	return types.TrackedEndpoint{
		ID:         id,
		Name:       fmt.Sprintf("tenant-%d", id),
		VMAddress:  fmt.Sprintf("10.0.0.%d", id),
		Address:    address,
		Limit:      limit,
		AlertEmail: fmt.Sprintf("ops%d@tenant.test", id),
	}
}

func TestNearLimitAlertThenCooldown(t *testing.T) {
	h := newHarness(t, tenant(1, "http://10.0.0.1:3000", 100))
	h.prober.set("http://10.0.0.1:3000", 81)
	ctx := context.Background()

	require.NoError(t, h.monitor.RunOnce(ctx))

	assert.Equal(t, []types.AlertKind{types.KindNearLimit}, h.notifier.sent())
	ep := h.store.endpoint(1)
	assert.Equal(t, 81, ep.DeviceCount)
	require.NotNil(t, ep.LastAlertAt)
	assert.Equal(t, h.clock.Now(), *ep.LastAlertAt)
	require.Equal(t, 1, h.store.alertCount())
	assert.Equal(t, types.KindNearLimit, h.store.alerts[0].Kind)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.monitor.RunOnce(ctx))
	assert.Len(t, h.notifier.sent(), 1, "second cycle inside cooldown must not alert")
	assert.Equal(t, 1, h.store.alertCount())

	h.clock.Advance(24 * time.Hour)
	require.NoError(t, h.monitor.RunOnce(ctx))
	assert.Len(t, h.notifier.sent(), 2)
}

func TestNotifierFailureKeepsEndpointEligible(t *testing.T) {
	h := newHarness(t, tenant(1, "a", 100))
	h.prober.set("a", 150)
	h.notifier.fail(errors.New("smtp down"))
	ctx := context.Background()

	require.NoError(t, h.monitor.RunOnce(ctx))
	ep := h.store.endpoint(1)
	assert.Equal(t, 150, ep.DeviceCount, "count is persisted even when alerting fails")
	assert.Nil(t, ep.LastAlertAt)
	assert.Zero(t, h.store.alertCount())
	assert.Equal(t, 1, h.monitor.Status().LastFailures)

	h.notifier.fail(nil)
	h.clock.Advance(10 * time.Minute)
	require.NoError(t, h.monitor.RunOnce(ctx))
	assert.Equal(t, []types.AlertKind{types.KindExceeded}, h.notifier.sent())
	assert.NotNil(t, h.store.endpoint(1).LastAlertAt)
}

func TestNormalNeverAlerts(t *testing.T) {
	h := newHarness(t, tenant(1, "a", 100))
	h.prober.set("a", 79)

	require.NoError(t, h.monitor.RunOnce(context.Background()))
	assert.Empty(t, h.notifier.sent())
	assert.Nil(t, h.store.endpoint(1).LastAlertAt)
}

func TestFailuresAreIsolated(t *testing.T) {
	h := newHarness(t,
		tenant(1, "panic", 100),
		tenant(2, "b", 100),
		tenant(3, "c", 100),
	)
	h.prober.set("b", 120)
	h.prober.set("c", 120)
	h.store.probeErrs[2] = errors.New("database is locked")

	require.NoError(t, h.monitor.RunOnce(context.Background()))

	assert.Equal(t, 120, h.store.endpoint(3).DeviceCount)
	assert.NotNil(t, h.store.endpoint(3).LastAlertAt)
	assert.Nil(t, h.store.endpoint(2).LastAlertAt)

	st := h.monitor.Status()
	assert.Equal(t, 3, st.LastEndpoints)
	assert.Equal(t, 2, st.LastFailures)
	assert.Equal(t, 1, st.LastAlerts)
}

func TestConcurrentIteration(t *testing.T) {
	var eps []types.TrackedEndpoint
	for i := uint(1); i <= 8; i++ {
		eps = append(eps, tenant(i, fmt.Sprintf("host-%d", i), 10))
	}
	h := newHarness(t, eps...)
	h.cfg.Monitor.Concurrency = 4
	for i := 1; i <= 8; i++ {
		h.prober.set(fmt.Sprintf("host-%d", i), 11)
	}

	require.NoError(t, h.monitor.RunOnce(context.Background()))
	assert.Len(t, h.notifier.sent(), 8)
	assert.Equal(t, 8, h.store.alertCount())
}

func TestUnreachableStreaks(t *testing.T) {
	h := newHarness(t, tenant(1, "nowhere", 100))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, h.monitor.RunOnce(ctx))
	}
	assert.Empty(t, h.monitor.Status().Unreachable)

	require.NoError(t, h.monitor.RunOnce(ctx))
	st := h.monitor.Status()
	assert.Equal(t, map[uint]int{1: 3}, st.UnreachableStreaks)
	assert.Equal(t, []uint{1}, st.Unreachable)
	assert.Zero(t, h.store.endpoint(1).DeviceCount)

	h.prober.set("nowhere", 5)
	require.NoError(t, h.monitor.RunOnce(ctx))
	assert.Empty(t, h.monitor.Status().UnreachableStreaks)
	assert.Empty(t, h.monitor.Status().Unreachable)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, tenant(1, "a", 100))
	h.prober.set("a", 1)
	h.cfg.Monitor.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.monitor.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return h.prober.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, h.monitor.Status().Running)
	assert.Equal(t, int32(1), h.prober.calls.Load())
}

func TestRunOnceCancelledBeforeStart(t *testing.T) {
	h := newHarness(t, tenant(1, "a", 100))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.monitor.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.prober.calls.Load())
}

func TestProbeNow(t *testing.T) {
	h := newHarness(t, tenant(1, "a", 100))
	h.prober.set("a", 130)

	out, err := h.monitor.ProbeNow(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, out.Reachable)
	assert.Equal(t, 130, out.Endpoint.DeviceCount)
	assert.Equal(t, types.Exceeded, out.Assessment.State)
	assert.Equal(t, 30, out.Assessment.Excess)
	assert.Empty(t, h.notifier.sent(), "manual probe never alerts")

	_, err = h.monitor.ProbeNow(context.Background(), 99)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSendAlertNow(t *testing.T) {
	noEmail := tenant(2, "b", 100)
	noEmail.AlertEmail = ""
	h := newHarness(t, tenant(1, "a", 100), noEmail)
	ctx := context.Background()

	h.prober.set("a", 120)
	require.NoError(t, h.monitor.RunOnce(ctx))
	require.Len(t, h.notifier.sent(), 1)

	// Bypasses the cooldown; kind derived from the stored count.
	out := h.monitor.SendAlertNow(ctx, 1, "")
	assert.True(t, out.Success, out.Message)
	assert.Equal(t, []types.AlertKind{types.KindExceeded, types.KindExceeded}, h.notifier.sent())
	assert.Equal(t, 2, h.store.alertCount())

	out = h.monitor.SendAlertNow(ctx, 1, types.KindNearLimit)
	assert.True(t, out.Success)
	assert.Equal(t, types.KindNearLimit, h.notifier.sent()[2])

	out = h.monitor.SendAlertNow(ctx, 2, "")
	assert.False(t, out.Success)
	assert.Contains(t, out.Message, "no alert email")

	out = h.monitor.SendAlertNow(ctx, 99, "")
	assert.False(t, out.Success)
	assert.Equal(t, "endpoint not found", out.Message)

	out = h.monitor.SendAlertNow(ctx, 1, "critical")
	assert.False(t, out.Success)

	h.notifier.fail(errors.New("smtp down"))
	out = h.monitor.SendAlertNow(ctx, 1, "")
	assert.False(t, out.Success)
	assert.Contains(t, out.Message, "smtp down")
}

func TestSendAlertNowDefaultsToNearLimit(t *testing.T) {
	h := newHarness(t, tenant(1, "a", 100))
	out := h.monitor.SendAlertNow(context.Background(), 1, "")
	assert.True(t, out.Success)
	assert.Equal(t, []types.AlertKind{types.KindNearLimit}, h.notifier.sent())
}

func TestResendAlert(t *testing.T) {
	h := newHarness(t, tenant(1, "a", 100))
	h.prober.set("a", 90)
	ctx := context.Background()
	require.NoError(t, h.monitor.RunOnce(ctx))
	require.Equal(t, 1, h.store.alertCount())
	alertID := h.store.alerts[0].ID
	lastAlert := *h.store.endpoint(1).LastAlertAt

	h.clock.Advance(2 * time.Hour)
	out := h.monitor.ResendAlert(ctx, alertID)
	assert.True(t, out.Success, out.Message)

	assert.Equal(t, 1, h.store.alertCount(), "resend does not create a record")
	rec, err := h.store.GetAlert(ctx, alertID)
	require.NoError(t, err)
	require.NotNil(t, rec.ResentAt)
	assert.Equal(t, h.clock.Now(), *rec.ResentAt)
	assert.Equal(t, lastAlert, *h.store.endpoint(1).LastAlertAt)

	out = h.monitor.ResendAlert(ctx, "missing")
	assert.False(t, out.Success)
	assert.Equal(t, "alert not found", out.Message)
}

func TestTestConnectionCachesByCanonicalAddress(t *testing.T) {
	h := newHarness(t)
	h.prober.set("10.0.0.9", 42)
	ctx := context.Background()

	out := h.monitor.TestConnection(ctx, "10.0.0.9")
	require.True(t, out.Success, out.Message)
	require.NotNil(t, out.Devices)
	assert.Equal(t, 42, *out.Devices)

	again := h.monitor.TestConnection(ctx, "https://10.0.0.9/")
	assert.Equal(t, out, again)
	assert.Equal(t, int32(1), h.prober.calls.Load())

	miss := h.monitor.TestConnection(ctx, "10.0.0.10")
	assert.False(t, miss.Success)
	assert.Nil(t, miss.Devices)

	assert.False(t, h.monitor.TestConnection(ctx, "").Success)
}
