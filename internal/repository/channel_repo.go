package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/fablehost/fable-api/internal/models"
)

// ChannelRepository resolves chat/vote rooms and their owning stories.
type ChannelRepository interface {
	Get(ctx context.Context, channelID uint) (models.Channel, error)
	// IsStoryAuthor reports whether userID authored the story owning the channel.
	IsStoryAuthor(ctx context.Context, channelID, userID uint) (bool, error)
}

type channelRepository struct {
	db *gorm.DB
}

// NewChannelRepository constructs a channel repository backed by GORM.
func NewChannelRepository(db *gorm.DB) ChannelRepository {
	return &channelRepository{db: db}
}

func (r *channelRepository) Get(ctx context.Context, channelID uint) (models.Channel, error) {
	var channel models.Channel
	if err := r.db.WithContext(ctx).First(&channel, channelID).Error; err != nil {
		return models.Channel{}, err
	}
	return channel, nil
}

func (r *channelRepository) IsStoryAuthor(ctx context.Context, channelID, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Story{}).
		Where("channel_id = ? AND author_id = ?", channelID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
