package database

import "time"

// AuditLog is one persisted connection lifecycle or channel event. Rows never
// carry credentials.
type AuditLog struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType    string    `gorm:"index;not null;size:32" json:"event_type"`
	ConnectionID string    `gorm:"index;size:64" json:"connection_id"`
	ChannelID    string    `gorm:"index;size:64" json:"channel_id"`
	Host         string    `gorm:"size:255" json:"host"`
	Port         int       `json:"port"`
	Username     string    `gorm:"size:64" json:"username"`
	SourceIP     string    `gorm:"size:64" json:"source_ip"`
	Details      string    `json:"details"`
	CreatedAt    time.Time `gorm:"index;autoCreateTime" json:"created_at"`
}
