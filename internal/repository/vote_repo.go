package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/fablehost/fable-api/internal/models"
)

// EntryFold carries one option's final cache-side state into the durable fold.
type EntryFold struct {
	EntryID    uint
	Killed     bool
	KilledText *string
	// Voters holds actor cache keys ("u:123" / "a:<hash>").
	Voters []string
}

// VoteFold is the full cache-side tally folded back on close.
type VoteFold struct {
	VoteID         uint
	Multivote      bool
	WriteinAllowed bool
	VotesHidden    bool
	// TimeClosed stays nil for a shutdown flush of a vote with no close
	// schedule, so the durable row remains open for re-activation.
	TimeClosed *time.Time
	Entries    []EntryFold
}

// VoteRepository persists vote definitions and folded tallies.
type VoteRepository interface {
	// Get loads a vote with its entries and existing voter rows.
	Get(ctx context.Context, voteID uint) (models.VoteInfo, error)
	// ListOpen returns every vote whose close time is null or in the future.
	ListOpen(ctx context.Context, now time.Time) ([]models.VoteInfo, error)
	CreateEntry(ctx context.Context, entry *models.VoteEntry) error
	DeleteEntry(ctx context.Context, entryID uint) error
	// ClearCloseTime nulls the durable close timestamp, used when a closed
	// vote is reopened so the stale deadline cannot fire again.
	ClearCloseTime(ctx context.Context, voteID uint) error
	// FoldClose replaces the durable voter rows and config with the final
	// cache state, in a single transaction.
	FoldClose(ctx context.Context, fold VoteFold, toUserVote func(entryID uint, voterKey string) (models.UserVote, error)) error
}

type voteRepository struct {
	db *gorm.DB
}

// NewVoteRepository constructs a vote repository backed by GORM.
func NewVoteRepository(db *gorm.DB) VoteRepository {
	return &voteRepository{db: db}
}

func (r *voteRepository) Get(ctx context.Context, voteID uint) (models.VoteInfo, error) {
	var vote models.VoteInfo
	err := r.db.WithContext(ctx).
		Preload("Entries").
		Preload("Entries.Votes").
		First(&vote, voteID).Error
	if err != nil {
		return models.VoteInfo{}, err
	}
	return vote, nil
}

func (r *voteRepository) ListOpen(ctx context.Context, now time.Time) ([]models.VoteInfo, error) {
	var votes []models.VoteInfo
	err := r.db.WithContext(ctx).
		Preload("Entries").
		Preload("Entries.Votes").
		Where("time_closed IS NULL OR time_closed > ?", now).
		Find(&votes).Error
	if err != nil {
		return nil, err
	}
	return votes, nil
}

func (r *voteRepository) CreateEntry(ctx context.Context, entry *models.VoteEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *voteRepository) DeleteEntry(ctx context.Context, entryID uint) error {
	return r.db.WithContext(ctx).Delete(&models.VoteEntry{}, entryID).Error
}

func (r *voteRepository) ClearCloseTime(ctx context.Context, voteID uint) error {
	return r.db.WithContext(ctx).
		Model(&models.VoteInfo{}).
		Where("id = ?", voteID).
		Update("time_closed", nil).Error
}

func (r *voteRepository) FoldClose(ctx context.Context, fold VoteFold, toUserVote func(entryID uint, voterKey string) (models.UserVote, error)) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"multivote":       fold.Multivote,
			"writein_allowed": fold.WriteinAllowed,
			"votes_hidden":    fold.VotesHidden,
			"time_closed":     fold.TimeClosed,
		}
		if err := tx.Model(&models.VoteInfo{}).Where("id = ?", fold.VoteID).Updates(updates).Error; err != nil {
			return err
		}

		entryIDs := make([]uint, 0, len(fold.Entries))
		rows := make([]models.UserVote, 0)
		for _, entry := range fold.Entries {
			entryIDs = append(entryIDs, entry.EntryID)

			entryUpdates := map[string]interface{}{
				"killed":      entry.Killed,
				"killed_text": entry.KilledText,
			}
			if err := tx.Model(&models.VoteEntry{}).Where("id = ?", entry.EntryID).Updates(entryUpdates).Error; err != nil {
				return err
			}

			for _, voter := range entry.Voters {
				row, err := toUserVote(entry.EntryID, voter)
				if err != nil {
					return err
				}
				rows = append(rows, row)
			}
		}

		if len(entryIDs) > 0 {
			if err := tx.Where("entry_id IN ?", entryIDs).Delete(&models.UserVote{}).Error; err != nil {
				return err
			}
		}

		if len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}

		return nil
	})
}
