package models

import "time"

// Channel identifies a chat/vote room scoped to one story. Immutable after
// creation except for the visibility flag.
type Channel struct {
	ID      uint `gorm:"primaryKey" json:"id"`
	Private bool `gorm:"not null;default:false" json:"private"`
}

// ChatMessage is the durable form of one chat line. IDToken is the
// server-generated idempotency token that deduplicates delivery between the
// cache tier and this table; exactly one of UserID/AnonID is set.
//
// ThreadID optionally points at a root message. Roots never have a ThreadID
// of their own; nested references are rejected at the write boundary.
type ChatMessage struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	IDToken   string    `gorm:"size:64;uniqueIndex;not null" json:"id_token"`
	ChannelID uint      `gorm:"index:idx_chat_channel_date;not null" json:"channel_id"`
	UserID    *uint     `gorm:"index" json:"user_id,omitempty"`
	AnonID    *string   `gorm:"size:64" json:"anon_id,omitempty"`
	ThreadID  *uint     `gorm:"index" json:"thread_id,omitempty"`
	Date      time.Time `gorm:"index:idx_chat_channel_date" json:"date"`
	Text      string    `gorm:"type:text;not null" json:"text"`

	User *User `json:"-"`
}
