// Package store defines persistence for tracked endpoints, alert history and
// admin accounts. Implementations live in gormstore and pgstore.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/skypass/fleetwatch/internal/types"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would violate a uniqueness rule,
	// such as two endpoints sharing a VM address.
	ErrConflict = errors.New("conflict")
)

// Store is the persistence contract used by the monitor and the API.
type Store interface {
	ListEndpoints(ctx context.Context) ([]types.TrackedEndpoint, error)
	GetEndpoint(ctx context.Context, id uint) (*types.TrackedEndpoint, error)
	CreateEndpoint(ctx context.Context, ep *types.TrackedEndpoint) error
	// UpdateEndpoint writes the operator-editable fields only.
	UpdateEndpoint(ctx context.Context, ep *types.TrackedEndpoint) error
	// DeleteEndpoint removes the endpoint and its alert history.
	DeleteEndpoint(ctx context.Context, id uint) error

	// RecordProbe stores the latest count and probe time and returns the
	// updated endpoint.
	RecordProbe(ctx context.Context, id uint, count int, at time.Time) (*types.TrackedEndpoint, error)

	// RecordAlert inserts rec and sets the endpoint's last alert time to
	// rec.SentAt in one transaction.
	RecordAlert(ctx context.Context, rec *types.AlertRecord) error
	GetAlert(ctx context.Context, id string) (*types.AlertRecord, error)
	// ListAlerts returns newest first. endpointID 0 means all endpoints and
	// limit <= 0 means no limit.
	ListAlerts(ctx context.Context, endpointID uint, limit int) ([]types.AlertRecord, error)
	MarkAlertResent(ctx context.Context, id string, at time.Time) error

	GetAdmin(ctx context.Context, username string) (*types.Admin, error)
	// SaveAdmin creates the account or replaces its password hash.
	SaveAdmin(ctx context.Context, admin *types.Admin) error

	Close() error
}
