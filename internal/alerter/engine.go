package alerter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skypass/fleetwatch/internal/evaluator"
	"github.com/skypass/fleetwatch/internal/types"
)

// Notifier delivers a capacity alert for an endpoint.
type Notifier interface {
	Notify(ctx context.Context, ep types.TrackedEndpoint, count int, kind types.AlertKind) error
}

// Recorder persists alert history. RecordAlert must write the record and the
// endpoint's last-alert timestamp (rec.SentAt) atomically.
type Recorder interface {
	RecordAlert(ctx context.Context, rec *types.AlertRecord) error
	MarkAlertResent(ctx context.Context, id string, at time.Time) error
}

// Engine turns eligible evaluations into delivered, recorded alerts.
type Engine struct {
	notifier Notifier
	records  Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEngine creates a new alert engine
func NewEngine(notifier Notifier, records Recorder, logger zerolog.Logger) *Engine {
	return &Engine{
		notifier: notifier,
		records:  records,
		logger:   logger.With().Str("component", "alerter").Logger(),
		now:      time.Now,
	}
}

// WithClock replaces the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Process evaluates a fresh count for ep and fires an alert if the
// deduplicator allows it. A nil record with a nil error means nothing fired.
func (e *Engine) Process(ctx context.Context, ep types.TrackedEndpoint, count int, dedup Deduplicator) (*types.AlertRecord, Decision, error) {
	state := evaluator.Evaluate(count, ep.Limit)
	decision := dedup.Decide(Input{
		State:          state,
		HasDestination: ep.HasDestination(),
		LastAlertAt:    ep.LastAlertAt,
		Now:            e.now(),
	})
	if !decision.Fire {
		if state != types.Normal {
			e.logger.Debug().
				Str("endpoint", ep.Name).
				Str("state", state.String()).
				Str("reason", decision.Reason).
				Msg("Alert suppressed")
		}
		return nil, decision, nil
	}

	rec, err := e.Fire(ctx, ep, count, decision.Kind)
	return rec, decision, err
}

// Fire notifies and records an alert unconditionally. If the notifier fails
// nothing is persisted, so the endpoint stays eligible. Once the notifier
// succeeds the record is written even if ctx was cancelled meanwhile.
func (e *Engine) Fire(ctx context.Context, ep types.TrackedEndpoint, count int, kind types.AlertKind) (*types.AlertRecord, error) {
	if err := e.notifier.Notify(ctx, ep, count, kind); err != nil {
		e.logger.Error().
			Err(err).
			Str("endpoint", ep.Name).
			Str("kind", string(kind)).
			Msg("Failed to send alert notification")
		return nil, fmt.Errorf("notify %s: %w", ep.Name, err)
	}

	rec := &types.AlertRecord{
		ID:         uuid.NewString(),
		EndpointID: ep.ID,
		Kind:       kind,
		Message:    Summarize(ep, count, kind),
		Count:      count,
		Limit:      ep.Limit,
		SentAt:     e.now().UTC(),
		Delivered:  true,
	}
	if err := e.records.RecordAlert(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Error().
			Err(err).
			Str("endpoint", ep.Name).
			Str("alert_id", rec.ID).
			Msg("Alert delivered but not recorded")
		return nil, fmt.Errorf("record alert for %s: %w", ep.Name, err)
	}

	e.logger.Info().
		Str("alert_id", rec.ID).
		Str("endpoint", ep.Name).
		Str("kind", string(kind)).
		Int("count", count).
		Int("limit", ep.Limit).
		Msg("Alert fired")
	return rec, nil
}

// Resend re-delivers rec using the endpoint's current count. It marks the
// record resent and leaves the endpoint's cooldown alone.
func (e *Engine) Resend(ctx context.Context, rec types.AlertRecord, ep types.TrackedEndpoint) (time.Time, error) {
	if err := e.notifier.Notify(ctx, ep, ep.DeviceCount, rec.Kind); err != nil {
		return time.Time{}, fmt.Errorf("notify %s: %w", ep.Name, err)
	}
	at := e.now().UTC()
	if err := e.records.MarkAlertResent(context.WithoutCancel(ctx), rec.ID, at); err != nil {
		return time.Time{}, fmt.Errorf("mark alert %s resent: %w", rec.ID, err)
	}
	e.logger.Info().
		Str("alert_id", rec.ID).
		Str("endpoint", ep.Name).
		Msg("Alert resent")
	return at, nil
}

// Summarize renders the one-line history message for an alert.
func Summarize(ep types.TrackedEndpoint, count int, kind types.AlertKind) string {
	a := evaluator.Assess(count, ep.Limit)
	switch kind {
	case types.KindExceeded:
		return fmt.Sprintf("%s exceeded its device limit: %d/%d (%.1f%%, %d over)",
			ep.Name, count, ep.Limit, a.Percent, count-ep.Limit)
	default:
		return fmt.Sprintf("%s is near its device limit: %d/%d (%.1f%%)",
			ep.Name, count, ep.Limit, a.Percent)
	}
}
