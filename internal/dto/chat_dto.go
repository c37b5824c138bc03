package dto

import (
	"time"

	"github.com/fablehost/fable-api/internal/models"
)

// CachedChatMessage is the form a chat line takes in the cache ring.
//
// Two tokens travel with it. BrowserToken is generated by the client and
// echoed back so the sender can recognise its own message; it also
// deduplicates client-side retries. ServerToken is generated here and is the
// unique column in the durable store, so re-flushing a still-buffered message
// is an insert-or-ignore no-op. Keeping them separate prevents a client from
// replaying a known old server token to produce a message other clients see
// but the durable store silently rejects.
type CachedChatMessage struct {
	ServerToken  string    `json:"server_token"`
	BrowserToken string    `json:"browser_token,omitempty"`
	ChannelID    uint      `json:"channel_id"`
	Text         string    `json:"text"`
	Date         time.Time `json:"date"`
	UserID       *uint     `json:"user_id,omitempty"`
	UserName     string    `json:"user_name,omitempty"`
	AnonID       *string   `json:"anon_id,omitempty"`
	ThreadID     *uint     `json:"thread_id,omitempty"`
}

// ToModel converts the cached form to a durable row.
func (m CachedChatMessage) ToModel() models.ChatMessage {
	return models.ChatMessage{
		IDToken:   m.ServerToken,
		ChannelID: m.ChannelID,
		UserID:    m.UserID,
		AnonID:    m.AnonID,
		ThreadID:  m.ThreadID,
		Date:      m.Date,
		Text:      m.Text,
	}
}

// NewCachedChatMessage converts a durable row back to the cached form.
func NewCachedChatMessage(row models.ChatMessage) CachedChatMessage {
	message := CachedChatMessage{
		ServerToken: row.IDToken,
		ChannelID:   row.ChannelID,
		UserID:      row.UserID,
		AnonID:      row.AnonID,
		ThreadID:    row.ThreadID,
		Date:        row.Date,
		Text:        row.Text,
	}
	if row.User != nil {
		message.UserName = row.User.Name
	}
	return message
}

// ChatMessageResponse is the client-facing rendering of one chat line.
type ChatMessageResponse struct {
	IsAnon       bool   `json:"is_anon"`
	Text         string `json:"text"`
	DateMillis   int64  `json:"date"`
	BrowserToken string `json:"id_token,omitempty"`
	ChannelID    uint   `json:"channel"`
	Username     string `json:"username,omitempty"`
	ThreadID     *uint  `json:"thread_id,omitempty"`
}

// NewChatMessageResponse renders a cached message for broadcast.
func NewChatMessageResponse(m CachedChatMessage) ChatMessageResponse {
	return ChatMessageResponse{
		IsAnon:       m.UserID == nil,
		Text:         m.Text,
		DateMillis:   m.Date.UnixMilli(),
		BrowserToken: m.BrowserToken,
		ChannelID:    m.ChannelID,
		Username:     m.UserName,
		ThreadID:     m.ThreadID,
	}
}

// NewChatMessageResponseSlice renders a chronological batch.
func NewChatMessageResponseSlice(messages []CachedChatMessage) []ChatMessageResponse {
	responses := make([]ChatMessageResponse, 0, len(messages))
	for _, m := range messages {
		responses = append(responses, NewChatMessageResponse(m))
	}
	return responses
}

// ChatSendRequest is the inbound chat_msg payload.
type ChatSendRequest struct {
	ChannelID    uint   `json:"channel" validate:"required"`
	BrowserToken string `json:"id_token" validate:"required,max=64"`
	Text         string `json:"msg" validate:"required,max=4000"`
	ThreadID     *uint  `json:"thread_id,omitempty"`
}
