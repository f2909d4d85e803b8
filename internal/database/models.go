package database

import (
	"time"

	"gorm.io/gorm"
)

// Connection status values stored on Host.Status.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// Authentication methods for Host.AuthType.
const (
	AuthKey      = "key"
	AuthPassword = "password"
)

type Host struct {
	ID         string `gorm:"primaryKey;size:36" json:"id"`
	Name       string `gorm:"not null;index" json:"name"`
	Hostname   string `gorm:"not null;uniqueIndex:idx_host_endpoint" json:"hostname"`
	Port       int    `gorm:"not null;uniqueIndex:idx_host_endpoint" json:"port"`
	Username   string `gorm:"not null" json:"username"`
	AuthType   string `gorm:"not null" json:"auth_type"`
	Credential string `gorm:"type:text" json:"-"` // fernet-encrypted password or PEM key
	// HostKeyFingerprint is recorded on first successful probe and enforced afterwards.
	HostKeyFingerprint string     `json:"host_key_fingerprint,omitempty"`
	IsActive           bool       `gorm:"not null" json:"is_active"`
	Status             string     `gorm:"not null" json:"status"`
	StatusDetail       string     `json:"status_detail,omitempty"`
	LastCheckedAt      *time.Time `json:"last_checked_at,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	// HasCredential is derived; the secret itself never leaves the server.
	HasCredential bool `gorm:"-" json:"has_credential"`
}

func (h *Host) AfterFind(_ *gorm.DB) error {
	h.HasCredential = h.Credential != ""
	return nil
}

func (h *Host) AfterCreate(_ *gorm.DB) error {
	h.HasCredential = h.Credential != ""
	return nil
}

type CommandHistory struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	HostID     string    `gorm:"not null;index;size:36" json:"host_id"`
	Command    string    `gorm:"not null" json:"command"`
	ExitCode   int       `json:"exit_code"`
	Output     string    `gorm:"type:text" json:"output"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
