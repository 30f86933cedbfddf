package alerter

import (
	"fmt"
	"time"

	"github.com/skypass/fleetwatch/internal/evaluator"
	"github.com/skypass/fleetwatch/internal/types"
)

// DefaultCooldown is the minimum gap between two alerts for one endpoint.
const DefaultCooldown = 24 * time.Hour

// Input is everything the deduplicator looks at.
type Input struct {
	State          types.UtilizationState
	HasDestination bool
	LastAlertAt    *time.Time
	Now            time.Time
}

// Decision is the outcome of Decide. Reason is set when Fire is false.
type Decision struct {
	Fire   bool
	Kind   types.AlertKind
	Reason string
}

// Deduplicator suppresses repeat alerts inside the cooldown window.
type Deduplicator struct {
	Cooldown time.Duration
}

// Decide reports whether an alert may be emitted now. Normal never fires and
// leaves the cooldown untouched; the window is strict, so an alert exactly
// Cooldown after the last one is still suppressed.
func (d Deduplicator) Decide(in Input) Decision {
	kind, ok := evaluator.KindFor(in.State)
	if !ok {
		return Decision{Reason: "usage is normal"}
	}
	if !in.HasDestination {
		return Decision{Kind: kind, Reason: "no alert destination configured"}
	}
	if in.LastAlertAt != nil {
		if elapsed := in.Now.Sub(*in.LastAlertAt); elapsed <= d.Cooldown {
			return Decision{
				Kind:   kind,
				Reason: fmt.Sprintf("last alert %s ago, cooldown %s", elapsed.Round(time.Second), d.Cooldown),
			}
		}
	}
	return Decision{Fire: true, Kind: kind}
}
