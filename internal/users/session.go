package users

import (
	"strings"
	"time"
)

const currentSessionSlot = "current"

// Session describes the contributor currently logged in to the remote service.
type Session struct {
	UserID     int64
	Name       string
	LoggedInAt time.Time
}

// SessionRecord persists the single active session. Absence of the row means
// nobody is logged in.
type SessionRecord struct {
	Slot             string `gorm:"column:slot;primaryKey;size:16"`
	UserID           int64  `gorm:"column:user_id;not null"`
	Name             string `gorm:"column:name;size:320;not null;default:''"`
	LoggedInAtMillis int64  `gorm:"column:logged_in_at_ms;not null"`
}

// TableName exposes the table backing the login session.
func (SessionRecord) TableName() string {
	return "user_sessions"
}

func (record SessionRecord) toSession() Session {
	return Session{
		UserID:     record.UserID,
		Name:       record.Name,
		LoggedInAt: time.UnixMilli(record.LoggedInAtMillis).UTC(),
	}
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
