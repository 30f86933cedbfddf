package types

import "time"

// TrackedEndpoint is one tenant's device-management deployment and its
// capacity limit.
type TrackedEndpoint struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Name        string     `gorm:"size:100;not null" json:"name"`
	VMAddress   string     `gorm:"size:64;not null;uniqueIndex" json:"vm_address"`
	Address     string     `gorm:"size:200;not null" json:"address"`
	Limit       int        `gorm:"column:device_limit;not null" json:"limit"`
	AlertEmail  string     `gorm:"size:100" json:"alert_email,omitempty"`
	DeviceCount int        `gorm:"not null;default:0" json:"device_count"`
	LastProbeAt *time.Time `json:"last_probe_at,omitempty"`
	LastAlertAt *time.Time `json:"last_alert_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TableName returns the table name for GORM.
func (TrackedEndpoint) TableName() string {
	return "endpoints"
}

// HasDestination reports whether alerts for this endpoint have somewhere to go.
func (e TrackedEndpoint) HasDestination() bool {
	return e.AlertEmail != ""
}

// Admin is an operator account for the management API.
type Admin struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"size:80;not null;uniqueIndex" json:"username"`
	PasswordHash string    `gorm:"size:120;not null" json:"-"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Admin) TableName() string {
	return "admins"
}
