package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fablehost/fable-api/internal/models"
)

// ErrNestedThread is returned when a write would make a thread reference
// point at a message that itself carries a thread reference.
var ErrNestedThread = errors.New("thread reference must point at a root message")

// ChatRepository persists chat messages and anonymous address identifiers.
type ChatRepository interface {
	// InsertIgnoringDuplicates bulk-inserts messages, silently skipping rows
	// whose idempotency token already exists. Re-flushing a still-buffered
	// message persisted in a prior cycle is therefore a safe no-op.
	InsertIgnoringDuplicates(ctx context.Context, rows []models.ChatMessage) error
	ListRecent(ctx context.Context, channelID uint, limit int) ([]models.ChatMessage, error)
	// ListThread returns the root message plus all replies referencing it,
	// oldest first.
	ListThread(ctx context.Context, channelID, rootID uint) ([]models.ChatMessage, error)
	// ThreadRoot loads the message a new reply wants to reference.
	ThreadRoot(ctx context.Context, messageID uint) (models.ChatMessage, error)
	SaveAddresses(ctx context.Context, rows []models.AddressIdentifier) error
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository constructs a chat repository backed by GORM.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) InsertIgnoringDuplicates(ctx context.Context, rows []models.ChatMessage) error {
	if len(rows) == 0 {
		return nil
	}

	if err := r.guardThreadDepth(ctx, rows); err != nil {
		return err
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}

// guardThreadDepth rejects the batch if any referenced root itself has a
// thread reference. Enforced here so the invariant holds at the data layer,
// not only at the service boundary.
func (r *chatRepository) guardThreadDepth(ctx context.Context, rows []models.ChatMessage) error {
	rootIDs := make([]uint, 0)
	for _, row := range rows {
		if row.ThreadID != nil {
			rootIDs = append(rootIDs, *row.ThreadID)
		}
	}
	if len(rootIDs) == 0 {
		return nil
	}

	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Where("id IN ? AND thread_id IS NOT NULL", rootIDs).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrNestedThread
	}
	return nil
}

func (r *chatRepository) ListRecent(ctx context.Context, channelID uint, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > 100 {
		limit = 60
	}

	var messages []models.ChatMessage
	err := r.db.WithContext(ctx).
		Preload("User").
		Where("channel_id = ?", channelID).
		Order("date DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	// Reverse to chronological order for clients.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *chatRepository) ListThread(ctx context.Context, channelID, rootID uint) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	err := r.db.WithContext(ctx).
		Preload("User").
		Where("channel_id = ? AND (id = ? OR thread_id = ?)", channelID, rootID, rootID).
		Order("date ASC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *chatRepository) ThreadRoot(ctx context.Context, messageID uint) (models.ChatMessage, error) {
	var message models.ChatMessage
	if err := r.db.WithContext(ctx).First(&message, messageID).Error; err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

func (r *chatRepository) SaveAddresses(ctx context.Context, rows []models.AddressIdentifier) error {
	if len(rows) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}
