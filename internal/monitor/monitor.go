// Package monitor runs the periodic probe/evaluate/alert loop over every
// tracked endpoint and exposes the same steps as on-demand operations.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/skypass/fleetwatch/internal/alerter"
	"github.com/skypass/fleetwatch/internal/config"
	"github.com/skypass/fleetwatch/internal/evaluator"
	"github.com/skypass/fleetwatch/internal/prober"
	"github.com/skypass/fleetwatch/internal/resolver"
	"github.com/skypass/fleetwatch/internal/store"
	"github.com/skypass/fleetwatch/internal/types"
)

// Repository is the part of store.Store the monitor reads and writes
// directly. Alert persistence goes through the engine.
type Repository interface {
	ListEndpoints(ctx context.Context) ([]types.TrackedEndpoint, error)
	GetEndpoint(ctx context.Context, id uint) (*types.TrackedEndpoint, error)
	RecordProbe(ctx context.Context, id uint, count int, at time.Time) (*types.TrackedEndpoint, error)
	GetAlert(ctx context.Context, id string) (*types.AlertRecord, error)
}

// Prober fetches a device count for a target.
type Prober interface {
	Probe(ctx context.Context, t prober.Target) prober.Result
}

// Outcome is the result of a manual action, suitable for returning to a UI.
type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Devices *int   `json:"devices,omitempty"`
}

// ProbeOutcome is what ProbeNow reports.
type ProbeOutcome struct {
	Endpoint   types.TrackedEndpoint `json:"endpoint"`
	Reachable  bool                  `json:"reachable"`
	URL        string                `json:"url,omitempty"`
	Assessment evaluator.Assessment  `json:"assessment"`
	Attempts   []prober.Attempt      `json:"attempts"`
}

// Status summarizes the scheduler for the status API.
type Status struct {
	Running            bool          `json:"running"`
	Iterations         int64         `json:"iterations"`
	LastStarted        time.Time     `json:"last_started,omitempty"`
	LastFinished       time.Time     `json:"last_finished,omitempty"`
	LastDuration       time.Duration `json:"last_duration"`
	LastEndpoints      int           `json:"last_endpoints"`
	LastAlerts         int           `json:"last_alerts"`
	LastFailures       int           `json:"last_failures"`
	LastError          string        `json:"last_error,omitempty"`
	UnreachableStreaks map[uint]int  `json:"unreachable_streaks"`
	Unreachable        []uint        `json:"unreachable"`
}

// Monitor drives probing and alerting.
type Monitor struct {
	repo    Repository
	prober  Prober
	engine  *alerter.Engine
	cfg     *config.Holder
	tracker *alerter.UnreachableTracker
	tests   *cache.Cache
	testTTL time.Duration
	logger  zerolog.Logger
	now     func() time.Time

	locks sync.Map // endpoint ID -> *sync.Mutex

	running atomic.Bool
	mu      sync.RWMutex
	status  Status
}

// New creates a Monitor.
func New(repo Repository, p Prober, engine *alerter.Engine, cfg *config.Holder, logger zerolog.Logger) *Monitor {
	ttl := cfg.Current().Probe.TestCacheTTL
	cleanup := 2 * ttl
	if ttl <= 0 {
		cleanup = 0
	}
	return &Monitor{
		repo:    repo,
		prober:  p,
		engine:  engine,
		cfg:     cfg,
		tracker: alerter.NewUnreachableTracker(logger),
		tests:   cache.New(ttl, cleanup),
		testTTL: ttl,
		logger:  logger.With().Str("component", "monitor").Logger(),
		now:     time.Now,
	}
}

// WithClock replaces the monitor's time source.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Run executes an iteration immediately and then once per configured
// interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)
	m.logger.Info().Msg("Monitoring loop started")

	for {
		if ctx.Err() != nil {
			m.logger.Info().Msg("Monitoring loop stopped")
			return
		}

		interval := m.cfg.Current().Monitor.Interval
		if err := m.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error().Err(err).Msg("Monitoring iteration failed")
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info().Msg("Monitoring loop stopped")
			return
		case <-timer.C:
		}
	}
}

// RunOnce processes every endpoint once. Per-endpoint failures are logged
// and counted; only failing to list endpoints is returned.
func (m *Monitor) RunOnce(ctx context.Context) error {
	snap := m.cfg.Current()
	started := m.now()

	eps, err := m.repo.ListEndpoints(ctx)
	if err != nil {
		m.finish(started, 0, 0, 0, err)
		return fmt.Errorf("list endpoints: %w", err)
	}

	var alerts, failures atomic.Int32
	var g errgroup.Group
	g.SetLimit(max(snap.Monitor.Concurrency, 1))
	for _, ep := range eps {
		if ctx.Err() != nil {
			break
		}
		ep := ep
		g.Go(func() error {
			fired, err := m.processSafely(ctx, snap, ep)
			if err != nil {
				failures.Add(1)
				if !errors.Is(err, context.Canceled) {
					m.logger.Error().Err(err).Str("endpoint", ep.Name).Msg("Endpoint check failed")
				}
			}
			if fired {
				alerts.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.finish(started, len(eps), int(alerts.Load()), int(failures.Load()), ctx.Err())
	m.logger.Info().
		Int("endpoints", len(eps)).
		Int32("alerts", alerts.Load()).
		Int32("failures", failures.Load()).
		Dur("took", m.now().Sub(started)).
		Msg("Monitoring iteration completed")
	return ctx.Err()
}

func (m *Monitor) finish(started time.Time, endpoints, alerts, failures int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Iterations++
	m.status.LastStarted = started
	m.status.LastFinished = m.now()
	m.status.LastDuration = m.status.LastFinished.Sub(started)
	m.status.LastEndpoints = endpoints
	m.status.LastAlerts = alerts
	m.status.LastFailures = failures
	m.status.LastError = ""
	if err != nil {
		m.status.LastError = err.Error()
	}
}

// processSafely runs one endpoint under its lock and turns a panic into an
// error so the iteration carries on.
func (m *Monitor) processSafely(ctx context.Context, snap *config.Config, ep types.TrackedEndpoint) (fired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("endpoint", ep.Name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Recovered from panic while checking endpoint")
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	unlock := m.lock(ep.ID)
	defer unlock()
	return m.process(ctx, snap, ep)
}

func (m *Monitor) process(ctx context.Context, snap *config.Config, ep types.TrackedEndpoint) (bool, error) {
	res := m.prober.Probe(ctx, prober.Target{Name: ep.Name, Address: ep.Address})
	if err := ctx.Err(); err != nil {
		return false, err
	}

	updated, err := m.repo.RecordProbe(ctx, ep.ID, res.DeviceCount(), m.now())
	if err != nil {
		return false, fmt.Errorf("record probe: %w", err)
	}
	m.tracker.Record(ep.ID, ep.Name, res.Reachable, snap.Monitor.UnreachableThreshold)

	rec, _, err := m.engine.Process(ctx, *updated, res.DeviceCount(), alerter.Deduplicator{Cooldown: snap.Monitor.Cooldown})
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

func (m *Monitor) lock(id uint) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Forget drops per-endpoint state after the endpoint is deleted.
func (m *Monitor) Forget(id uint) {
	m.tracker.Forget(id)
	m.locks.Delete(id)
}

// ProbeNow probes one endpoint and stores the result without alerting.
func (m *Monitor) ProbeNow(ctx context.Context, id uint) (ProbeOutcome, error) {
	unlock := m.lock(id)
	defer unlock()

	ep, err := m.repo.GetEndpoint(ctx, id)
	if err != nil {
		return ProbeOutcome{}, err
	}
	res := m.prober.Probe(ctx, prober.Target{Name: ep.Name, Address: ep.Address})
	if err := ctx.Err(); err != nil {
		return ProbeOutcome{}, err
	}
	updated, err := m.repo.RecordProbe(ctx, id, res.DeviceCount(), m.now())
	if err != nil {
		return ProbeOutcome{}, fmt.Errorf("record probe: %w", err)
	}
	m.tracker.Record(id, ep.Name, res.Reachable, m.cfg.Current().Monitor.UnreachableThreshold)

	return ProbeOutcome{
		Endpoint:   *updated,
		Reachable:  res.Reachable,
		URL:        res.URL,
		Assessment: evaluator.Assess(res.DeviceCount(), updated.Limit),
		Attempts:   res.Attempts,
	}, nil
}

// SendAlertNow emails an alert for the endpoint's stored count, ignoring the
// cooldown. An empty kind is derived from the count: exceeded when over the
// limit, near_limit otherwise.
func (m *Monitor) SendAlertNow(ctx context.Context, id uint, kind types.AlertKind) Outcome {
	unlock := m.lock(id)
	defer unlock()

	ep, err := m.repo.GetEndpoint(ctx, id)
	if err != nil {
		return failure(err, "endpoint not found")
	}
	if !ep.HasDestination() {
		return Outcome{Message: fmt.Sprintf("no alert email configured for %s", ep.Name)}
	}
	if kind == "" {
		kind = types.KindNearLimit
		if evaluator.Evaluate(ep.DeviceCount, ep.Limit) == types.Exceeded {
			kind = types.KindExceeded
		}
	}
	if !kind.Valid() {
		return Outcome{Message: fmt.Sprintf("unknown alert kind %q", kind)}
	}

	if _, err := m.engine.Fire(ctx, *ep, ep.DeviceCount, kind); err != nil {
		return Outcome{Message: fmt.Sprintf("failed to send alert: %v", err)}
	}
	return Outcome{Success: true, Message: fmt.Sprintf("alert email sent for %s", ep.Name)}
}

// ResendAlert re-delivers a recorded alert with the endpoint's current
// count. The endpoint's cooldown is not touched.
func (m *Monitor) ResendAlert(ctx context.Context, alertID string) Outcome {
	rec, err := m.repo.GetAlert(ctx, alertID)
	if err != nil {
		return failure(err, "alert not found")
	}

	unlock := m.lock(rec.EndpointID)
	defer unlock()

	ep, err := m.repo.GetEndpoint(ctx, rec.EndpointID)
	if err != nil {
		return failure(err, "endpoint not found")
	}
	if !ep.HasDestination() {
		return Outcome{Message: fmt.Sprintf("no alert email configured for %s", ep.Name)}
	}
	if _, err := m.engine.Resend(ctx, *rec, *ep); err != nil {
		return Outcome{Message: fmt.Sprintf("failed to resend alert: %v", err)}
	}
	return Outcome{Success: true, Message: fmt.Sprintf("alert resent for %s", ep.Name)}
}

// TestConnection probes an address that is not stored anywhere. Results are
// cached per canonical address for the configured TTL.
func (m *Monitor) TestConnection(ctx context.Context, address string) Outcome {
	if address == "" {
		return Outcome{Message: "no URL provided"}
	}
	key := resolver.Canonical(address)
	if v, ok := m.tests.Get(key); ok {
		return v.(Outcome)
	}

	res := m.prober.Probe(ctx, prober.Target{Name: "test", Address: address})
	if ctx.Err() != nil {
		return Outcome{Message: "connection test cancelled"}
	}

	var out Outcome
	if res.Reachable {
		n := res.Count
		out = Outcome{
			Success: true,
			Message: fmt.Sprintf("connection successful, %d devices found", n),
			Devices: &n,
		}
	} else {
		out = Outcome{Message: fmt.Sprintf("could not reach the device API: %s", res.LastError())}
	}
	if m.testTTL > 0 {
		m.tests.SetDefault(key, out)
	}
	return out
}

// Status returns a snapshot of the scheduler state.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	st := m.status
	m.mu.RUnlock()
	st.Running = m.running.Load()
	st.UnreachableStreaks = m.tracker.Streaks()
	st.Unreachable = []uint{}
	for id := range st.UnreachableStreaks {
		if m.tracker.IsUnreachable(id) {
			st.Unreachable = append(st.Unreachable, id)
		}
	}
	slices.Sort(st.Unreachable)
	return st
}

func failure(err error, notFound string) Outcome {
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{Message: notFound}
	}
	return Outcome{Message: err.Error()}
}
