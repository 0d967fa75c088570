package database

import "time"

// SessionRecord is the persisted audit trail for one relay session: who
// connected where, how the connection ended, and how many shell bytes moved.
type SessionRecord struct {
	ID         uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string     `gorm:"uniqueIndex;not null;size:64" json:"session_id"`
	Host       string     `gorm:"not null" json:"host"`
	Port       int        `gorm:"not null" json:"port"`
	Username   string     `gorm:"not null" json:"username"`
	State      string     `gorm:"not null;default:connecting" json:"state"`
	RetryCount int        `gorm:"not null;default:0" json:"retry_count"`
	BytesIn    uint64     `gorm:"not null;default:0" json:"bytes_in"`
	BytesOut   uint64     `gorm:"not null;default:0" json:"bytes_out"`
	ClosedAt   *time.Time `json:"closed_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TransferRecord is the persisted outcome of one transfer operation.
type TransferRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID   string    `gorm:"index;not null;size:64" json:"session_id"`
	OperationID string    `gorm:"not null;size:64" json:"operation_id"`
	Kind        string    `gorm:"not null" json:"kind"`
	Path        string    `json:"path"`
	Bytes       uint64    `gorm:"not null;default:0" json:"bytes"`
	Checksum    string    `json:"checksum"`
	Outcome     string    `gorm:"not null" json:"outcome"` // complete, error, cancelled
	Error       string    `json:"error"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
