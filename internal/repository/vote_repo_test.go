package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fablehost/fable-api/internal/identity"
	"github.com/fablehost/fable-api/internal/models"
)

func voteTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.VoteInfo{}, &models.VoteEntry{}, &models.UserVote{}))
	return db
}

func seedVoteRow(t *testing.T, db *gorm.DB, timeClosed *time.Time) models.VoteInfo {
	t.Helper()
	vote := models.VoteInfo{
		PostID:     1,
		ChannelID:  1,
		Question:   "Which way?",
		Multivote:  true,
		TimeClosed: timeClosed,
		Entries: []models.VoteEntry{
			{Text: "Left"},
			{Text: "Right"},
		},
	}
	require.NoError(t, db.Create(&vote).Error)
	return vote
}

func foldVoter(entryID uint, voterKey string) (models.UserVote, error) {
	actor, err := identity.ParseCacheKey(voterKey)
	if err != nil {
		return models.UserVote{}, err
	}
	row := models.UserVote{EntryID: entryID}
	if actor.Kind() == identity.Registered {
		id := actor.UserID()
		row.UserID = &id
	} else {
		hash := actor.AnonHash()
		row.AnonID = &hash
	}
	return row, nil
}

func TestListOpenFiltersClosedVotes(t *testing.T) {
	db := voteTestDB(t)
	repo := NewVoteRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	open := seedVoteRow(t, db, nil)

	scheduled := models.VoteInfo{PostID: 2, ChannelID: 1, Question: "Soon?", TimeClosed: &future}
	require.NoError(t, db.Create(&scheduled).Error)

	closed := models.VoteInfo{PostID: 3, ChannelID: 1, Question: "Done?", TimeClosed: &past}
	require.NoError(t, db.Create(&closed).Error)

	votes, err := repo.ListOpen(ctx, now)
	require.NoError(t, err)
	require.Len(t, votes, 2)

	ids := []uint{votes[0].ID, votes[1].ID}
	require.Contains(t, ids, open.ID)
	require.Contains(t, ids, scheduled.ID)
}

func TestFoldCloseReplacesVoterRows(t *testing.T) {
	db := voteTestDB(t)
	repo := NewVoteRepository(db)
	ctx := context.Background()

	vote := seedVoteRow(t, db, nil)
	left, right := vote.Entries[0], vote.Entries[1]

	// A stale row from a previous fold of the same vote.
	staleUser := uint(99)
	require.NoError(t, db.Create(&models.UserVote{EntryID: left.ID, UserID: &staleUser}).Error)

	closedAt := time.Now().UTC()
	reason := "duplicate of another option"
	fold := VoteFold{
		VoteID:     vote.ID,
		Multivote:  false,
		TimeClosed: &closedAt,
		Entries: []EntryFold{
			{EntryID: left.ID, Voters: []string{"u:42", "a:deadbeef"}},
			{EntryID: right.ID, Killed: true, KilledText: &reason, Voters: nil},
		},
	}
	require.NoError(t, repo.FoldClose(ctx, fold, foldVoter))

	reloaded, err := repo.Get(ctx, vote.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.TimeClosed)
	require.False(t, reloaded.Multivote)

	var rows []models.UserVote
	require.NoError(t, db.Where("entry_id = ?", left.ID).Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, row := range rows {
		if row.UserID != nil {
			require.EqualValues(t, 42, *row.UserID)
		} else {
			require.NotNil(t, row.AnonID)
			require.Equal(t, "deadbeef", *row.AnonID)
		}
	}

	var killedEntry models.VoteEntry
	require.NoError(t, db.First(&killedEntry, right.ID).Error)
	require.True(t, killedEntry.Killed)
	require.NotNil(t, killedEntry.KilledText)
	require.Equal(t, reason, *killedEntry.KilledText)
}

func TestFoldCloseNilTimeKeepsVoteOpen(t *testing.T) {
	db := voteTestDB(t)
	repo := NewVoteRepository(db)
	ctx := context.Background()

	vote := seedVoteRow(t, db, nil)
	fold := VoteFold{
		VoteID:    vote.ID,
		Multivote: true,
		Entries: []EntryFold{
			{EntryID: vote.Entries[0].ID, Voters: []string{"u:7"}},
		},
	}
	require.NoError(t, repo.FoldClose(ctx, fold, foldVoter))

	reloaded, err := repo.Get(ctx, vote.ID)
	require.NoError(t, err)
	require.Nil(t, reloaded.TimeClosed)

	votes, err := repo.ListOpen(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, votes, 1)
	require.Len(t, votes[0].Entries[0].Votes, 1)
}

func TestClearCloseTime(t *testing.T) {
	db := voteTestDB(t)
	repo := NewVoteRepository(db)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).UTC()
	vote := seedVoteRow(t, db, &past)

	require.NoError(t, repo.ClearCloseTime(ctx, vote.ID))

	reloaded, err := repo.Get(ctx, vote.ID)
	require.NoError(t, err)
	require.Nil(t, reloaded.TimeClosed)

	votes, err := repo.ListOpen(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, votes, 1)
}

func TestCreateAndDeleteEntry(t *testing.T) {
	db := voteTestDB(t)
	repo := NewVoteRepository(db)
	ctx := context.Background()

	vote := seedVoteRow(t, db, nil)

	entry := models.VoteEntry{VoteID: vote.ID, Text: "Go back"}
	require.NoError(t, repo.CreateEntry(ctx, &entry))
	require.NotZero(t, entry.ID)

	require.NoError(t, repo.DeleteEntry(ctx, entry.ID))

	reloaded, err := repo.Get(ctx, vote.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Entries, 2)
}
