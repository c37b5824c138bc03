package models

import "time"

// PostType distinguishes plain chapter text from vote posts.
type PostType int

const (
	PostTypeText PostType = iota + 1
	PostTypeVote
)

// Story is a published interactive-fiction work. Each story owns exactly one
// chat channel.
type Story struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Title       string `gorm:"size:255;not null" json:"title"`
	Description string `gorm:"type:text" json:"description"`
	AuthorID    uint   `gorm:"index;not null" json:"author_id"`
	ChannelID   uint   `gorm:"not null" json:"channel_id"`

	Author  User    `json:"-"`
	Channel Channel `json:"-"`
}

// Chapter groups posts within a story.
type Chapter struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	Title      string `gorm:"size:255;not null" json:"title"`
	StoryID    uint   `gorm:"index;not null" json:"story_id"`
	IsAppendix bool   `gorm:"not null;default:false" json:"is_appendix"`
	OrderIdx   int    `gorm:"not null" json:"order_idx"`
}

// Post is one entry in a chapter: either rendered text or a vote.
type Post struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Text       string    `gorm:"type:text" json:"text"`
	PostedDate time.Time `json:"posted_date"`
	StoryID    uint      `gorm:"index;not null" json:"story_id"`
	ChapterID  uint      `gorm:"index;not null" json:"chapter_id"`
	OrderIdx   int       `gorm:"not null" json:"order_idx"`
	PostType   PostType  `gorm:"not null;default:1" json:"post_type"`

	VoteInfo *VoteInfo `json:"vote_info,omitempty"`
}
