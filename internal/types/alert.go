package types

import (
	"fmt"
	"time"
)

// UtilizationState classifies a device count relative to its limit.
type UtilizationState int

const (
	Normal UtilizationState = iota
	NearLimit
	Exceeded
)

func (s UtilizationState) String() string {
	switch s {
	case NearLimit:
		return "near_limit"
	case Exceeded:
		return "exceeded"
	default:
		return "normal"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s UtilizationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *UtilizationState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "normal":
		*s = Normal
	case "near_limit":
		*s = NearLimit
	case "exceeded":
		*s = Exceeded
	default:
		return fmt.Errorf("unknown utilization state %q", b)
	}
	return nil
}

// AlertKind is the flavour of a capacity alert.
type AlertKind string

const (
	KindExceeded  AlertKind = "exceeded"
	KindNearLimit AlertKind = "near_limit"
)

// Valid reports whether k is one of the known kinds.
func (k AlertKind) Valid() bool {
	return k == KindExceeded || k == KindNearLimit
}

// AlertRecord is the history entry written when an alert was delivered.
type AlertRecord struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	EndpointID uint       `gorm:"not null;index:idx_alerts_endpoint_sent,priority:1" json:"endpoint_id"`
	Kind       AlertKind  `gorm:"size:16;not null" json:"kind"`
	Message    string     `gorm:"type:text;not null" json:"message"`
	Count      int        `gorm:"not null" json:"count"`
	Limit      int        `gorm:"column:device_limit;not null" json:"limit"`
	SentAt     time.Time  `gorm:"not null;index:idx_alerts_endpoint_sent,priority:2" json:"sent_at"`
	Delivered  bool       `gorm:"not null;default:false" json:"delivered"`
	ResentAt   *time.Time `json:"resent_at,omitempty"`
}

// TableName returns the table name for GORM.
func (AlertRecord) TableName() string {
	return "alerts"
}
