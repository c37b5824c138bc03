package models

import "time"

// VoteInfo is the durable record of one vote attached to a story post.
// TimeClosed null or in the future marks the vote as open; reconciliation
// re-activates such votes into the cache on startup.
type VoteInfo struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	PostID         uint       `gorm:"uniqueIndex;not null" json:"post_id"`
	ChannelID      uint       `gorm:"index;not null" json:"channel_id"`
	Question       string     `gorm:"type:text;not null" json:"question"`
	Multivote      bool       `gorm:"not null;default:true" json:"multivote"`
	WriteinAllowed bool       `gorm:"not null;default:true" json:"writein_allowed"`
	VotesHidden    bool       `gorm:"not null;default:false" json:"votes_hidden"`
	TimeClosed     *time.Time `json:"time_closed,omitempty"`

	Entries []VoteEntry `gorm:"foreignKey:VoteID" json:"entries"`
}

// VoteEntry is one selectable option of a vote.
type VoteEntry struct {
	ID         uint    `gorm:"primaryKey" json:"id"`
	VoteID     uint    `gorm:"index;not null" json:"vote_id"`
	Text       string  `gorm:"type:text;not null" json:"text"`
	Killed     bool    `gorm:"not null;default:false" json:"killed"`
	KilledText *string `gorm:"type:text" json:"killed_text,omitempty"`

	Votes []UserVote `gorm:"foreignKey:EntryID;constraint:OnDelete:CASCADE" json:"votes"`
}

// UserVote records one voter holding one entry. Exactly one of UserID/AnonID
// is set; the composite unique index makes duplicate casts a durable no-op.
type UserVote struct {
	ID      uint    `gorm:"primaryKey" json:"id"`
	EntryID uint    `gorm:"uniqueIndex:idx_entry_voter;not null" json:"entry_id"`
	UserID  *uint   `gorm:"uniqueIndex:idx_entry_voter" json:"user_id,omitempty"`
	AnonID  *string `gorm:"uniqueIndex:idx_entry_voter;size:64" json:"anon_id,omitempty"`
}
