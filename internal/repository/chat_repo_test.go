package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fablehost/fable-api/internal/models"
)

func chatTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.AddressIdentifier{}, &models.ChatMessage{}))
	return db
}

func userMessage(token string, channelID uint, userID uint, date time.Time) models.ChatMessage {
	return models.ChatMessage{IDToken: token, ChannelID: channelID, UserID: &userID, Date: date, Text: "msg " + token}
}

func TestInsertIgnoringDuplicates(t *testing.T) {
	db := chatTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	rows := []models.ChatMessage{
		userMessage("tok-1", 1, 42, now),
		userMessage("tok-2", 1, 42, now.Add(time.Second)),
	}
	require.NoError(t, repo.InsertIgnoringDuplicates(ctx, rows))

	// A second flush cycle resubmits the still-buffered rows plus a new one.
	again := []models.ChatMessage{
		userMessage("tok-1", 1, 42, now),
		userMessage("tok-3", 1, 42, now.Add(2*time.Second)),
	}
	require.NoError(t, repo.InsertIgnoringDuplicates(ctx, again))

	var count int64
	require.NoError(t, db.Model(&models.ChatMessage{}).Count(&count).Error)
	require.EqualValues(t, 3, count)

	require.NoError(t, repo.InsertIgnoringDuplicates(ctx, nil))
}

func TestInsertRejectsNestedThreads(t *testing.T) {
	db := chatTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	root := userMessage("tok-root", 1, 42, now)
	require.NoError(t, repo.InsertIgnoringDuplicates(ctx, []models.ChatMessage{root}))

	var rootRow models.ChatMessage
	require.NoError(t, db.First(&rootRow, "id_token = ?", "tok-root").Error)

	reply := userMessage("tok-reply", 1, 42, now.Add(time.Second))
	reply.ThreadID = &rootRow.ID
	require.NoError(t, repo.InsertIgnoringDuplicates(ctx, []models.ChatMessage{reply}))

	var replyRow models.ChatMessage
	require.NoError(t, db.First(&replyRow, "id_token = ?", "tok-reply").Error)

	nested := userMessage("tok-nested", 1, 42, now.Add(2*time.Second))
	nested.ThreadID = &replyRow.ID
	err := repo.InsertIgnoringDuplicates(ctx, []models.ChatMessage{nested})
	require.ErrorIs(t, err, ErrNestedThread)
}

func TestListRecentChronological(t *testing.T) {
	db := chatTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	rows := []models.ChatMessage{
		userMessage("tok-1", 1, 42, now),
		userMessage("tok-2", 1, 42, now.Add(time.Second)),
		userMessage("tok-3", 1, 42, now.Add(2*time.Second)),
		userMessage("tok-other", 2, 42, now),
	}
	require.NoError(t, repo.InsertIgnoringDuplicates(ctx, rows))

	messages, err := repo.ListRecent(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "tok-2", messages[0].IDToken)
	require.Equal(t, "tok-3", messages[1].IDToken)
}

func TestListThreadIncludesRoot(t *testing.T) {
	db := chatTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, repo.InsertIgnoringDuplicates(ctx, []models.ChatMessage{userMessage("tok-root", 1, 42, now)}))

	var rootRow models.ChatMessage
	require.NoError(t, db.First(&rootRow, "id_token = ?", "tok-root").Error)

	reply := userMessage("tok-reply", 1, 42, now.Add(time.Second))
	reply.ThreadID = &rootRow.ID
	loose := userMessage("tok-loose", 1, 42, now.Add(2*time.Second))
	require.NoError(t, repo.InsertIgnoringDuplicates(ctx, []models.ChatMessage{reply, loose}))

	thread, err := repo.ListThread(ctx, 1, rootRow.ID)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	require.Equal(t, "tok-root", thread[0].IDToken)
	require.Equal(t, "tok-reply", thread[1].IDToken)
}

func TestSaveAddressesIgnoresDuplicates(t *testing.T) {
	db := chatTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	rows := []models.AddressIdentifier{{Hash: "h1", IP: "192.0.2.1"}}
	require.NoError(t, repo.SaveAddresses(ctx, rows))
	require.NoError(t, repo.SaveAddresses(ctx, rows))

	var count int64
	require.NoError(t, db.Model(&models.AddressIdentifier{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}
