package dto

import "time"

// VoteOptionView is one option within a rendered vote snapshot.
type VoteOptionView struct {
	ID         uint    `json:"id"`
	Text       string  `json:"text"`
	Killed     bool    `json:"killed"`
	KilledText *string `json:"killed_text,omitempty"`
	// Count is omitted on the public variant of a hidden vote.
	Count *int `json:"count,omitempty"`
	// UserVoted is populated only when the snapshot was rendered for a voter.
	UserVoted bool `json:"user_voted"`
}

// VoteSnapshot is the fully populated view of a vote used to build the
// fragment broadcast to a channel.
type VoteSnapshot struct {
	VoteID         uint             `json:"vote_id"`
	ChannelID      uint             `json:"channel_id"`
	Question       string           `json:"question"`
	Multivote      bool             `json:"multivote"`
	WriteinAllowed bool             `json:"writein_allowed"`
	VotesHidden    bool             `json:"votes_hidden"`
	Active         bool             `json:"active"`
	CloseTime      *time.Time       `json:"close_time,omitempty"`
	Options        []VoteOptionView `json:"options"`
}

// VoteCastRequest is the inbound vote payload.
type VoteCastRequest struct {
	VoteID  uint `json:"vote" validate:"required"`
	EntryID uint `json:"option" validate:"required"`
}

// WriteinRequest adds a participant-contributed option and casts for it.
type WriteinRequest struct {
	VoteID uint   `json:"vote" validate:"required"`
	Text   string `json:"text" validate:"required,max=500"`
}

// VoteConfigRequest mutates live vote metadata; nil fields are left alone.
type VoteConfigRequest struct {
	Multivote      *bool      `json:"multivote,omitempty"`
	WriteinAllowed *bool      `json:"writein_allowed,omitempty"`
	VotesHidden    *bool      `json:"votes_hidden,omitempty"`
	CloseTime      *time.Time `json:"close_time,omitempty"`
}

// KillOptionRequest marks an option as killed (or revives it).
type KillOptionRequest struct {
	Killed bool   `json:"killed"`
	Reason string `json:"reason,omitempty" validate:"max=500"`
}
