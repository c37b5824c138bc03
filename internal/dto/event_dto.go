package dto

import "encoding/json"

// Server-to-client event types. The set is closed: every value published
// through the fanout router is one of these, dispatched by the Type tag.
const (
	EventChatPosted      = "chat_posted"
	EventVoteCastAck     = "vote_cast_ack"
	EventVoteRendered    = "vote_rendered"
	EventVoteOpenChanged = "vote_open_changed"
	EventBacklog         = "backlog"
	EventError           = "error"
)

// Backlog is sent once per websocket join: the recent chat window plus a
// snapshot of every vote currently active in the channel.
type Backlog struct {
	ChannelID uint                  `json:"channel_id"`
	Messages  []ChatMessageResponse `json:"messages"`
	Votes     []VoteSnapshot        `json:"votes"`
}

// ErrorNotice reports a rejected client frame back to its sender.
type ErrorNotice struct {
	Op     string `json:"op"`
	Reason string `json:"reason"`
}

// Event is the envelope broadcast to clients.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeEvent renders an event envelope to the wire string published through
// the fanout router.
func EncodeEvent(eventType string, data interface{}) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(Event{Type: eventType, Data: raw})
	if err != nil {
		return "", err
	}

	return string(payload), nil
}

// VoteCastAck notifies a channel that one voter's holding on an option
// changed. Retractions are the same event with Cast=false.
type VoteCastAck struct {
	VoteID  uint `json:"vote_id"`
	EntryID uint `json:"entry_id"`
	Cast    bool `json:"cast"`
	Count   *int `json:"count,omitempty"`
}

// VoteOpenChanged announces a vote opening or closing.
type VoteOpenChanged struct {
	VoteID    uint `json:"vote_id"`
	ChannelID uint `json:"channel_id"`
	Open      bool `json:"open"`
}
