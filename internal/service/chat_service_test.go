package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fablehost/fable-api/internal/dto"
	"github.com/fablehost/fable-api/internal/identity"
	"github.com/fablehost/fable-api/internal/models"
	"github.com/fablehost/fable-api/internal/realtime"
	"github.com/fablehost/fable-api/internal/repository"
)

type chatEnv struct {
	db     *gorm.DB
	mini   *miniredis.Miniredis
	redis  *redis.Client
	fanout *realtime.Fanout
	svc    ChatService
}

func newChatEnv(t *testing.T) *chatEnv {
	t.Helper()

	mini, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mini.Close)

	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.AddressIdentifier{}, &models.Channel{}, &models.ChatMessage{}))

	fanout := realtime.New(realtime.Options{Logger: testLogger()})
	validate := validator.New(validator.WithRequiredStructEnabled())

	return &chatEnv{
		db:     db,
		mini:   mini,
		redis:  client,
		fanout: fanout,
		svc:    NewChatService(repository.NewChatRepository(db), client, fanout, validate, 60, time.Hour, testLogger()),
	}
}

func sendReq(channelID uint, token, text string) dto.ChatSendRequest {
	return dto.ChatSendRequest{ChannelID: channelID, BrowserToken: token, Text: text}
}

func TestAppendDeduplicatesRetries(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()
	actor := identity.NewRegistered(42)

	response, accepted, err := env.svc.Append(ctx, sendReq(1, "tok-1", "hello"), actor, "alice")
	require.NoError(t, err)
	require.True(t, accepted)
	require.Equal(t, "hello", response.Text)
	require.Equal(t, "tok-1", response.BrowserToken)
	require.Equal(t, "alice", response.Username)
	require.False(t, response.IsAnon)

	// A client retry resends the same browser token.
	_, accepted, err = env.svc.Append(ctx, sendReq(1, "tok-1", "hello"), actor, "alice")
	require.NoError(t, err)
	require.False(t, accepted)

	ring, err := env.redis.LRange(ctx, "chat_channel:1", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, ring, 1)

	require.NoError(t, env.svc.Flush(ctx))
	var count int64
	require.NoError(t, env.db.Model(&models.ChatMessage{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestAppendBroadcastsToChannel(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	sub := env.fanout.Subscribe(realtime.ChannelKey(1))
	defer sub.Close()

	_, accepted, err := env.svc.Append(ctx, sendReq(1, "tok-b", "anyone here?"), identity.NewAnonymous(identity.HashAddress("192.0.2.1")), "")
	require.NoError(t, err)
	require.True(t, accepted)

	delivery, err := sub.Next(ctx, time.Second)
	require.NoError(t, err)

	var event dto.Event
	require.NoError(t, json.Unmarshal([]byte(delivery.Value), &event))
	require.Equal(t, dto.EventChatPosted, event.Type)

	var message dto.ChatMessageResponse
	require.NoError(t, json.Unmarshal(event.Data, &message))
	require.Equal(t, "anyone here?", message.Text)
	require.True(t, message.IsAnon)
	require.Empty(t, message.Username)
}

func TestAppendRejectsEmptyAfterSanitization(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	_, _, err := env.svc.Append(ctx, sendReq(1, "tok-x", "<script>alert(1)</script>"), identity.NewRegistered(1), "alice")
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestFlushPersistsWholeBacklogThenTrims(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()
	actor := identity.NewRegistered(42)

	for i := 0; i < 80; i++ {
		_, accepted, err := env.svc.Append(ctx, sendReq(1, fmt.Sprintf("tok-%d", i), fmt.Sprintf("message %d", i)), actor, "alice")
		require.NoError(t, err)
		require.True(t, accepted)
	}

	ringLen, err := env.redis.LLen(ctx, "chat_channel:1").Result()
	require.NoError(t, err)
	require.EqualValues(t, 80, ringLen)

	require.NoError(t, env.svc.Flush(ctx))

	// Everything buffered is persisted; the ring keeps only the bounded tail.
	var count int64
	require.NoError(t, env.db.Model(&models.ChatMessage{}).Count(&count).Error)
	require.EqualValues(t, 80, count)

	ringLen, err = env.redis.LLen(ctx, "chat_channel:1").Result()
	require.NoError(t, err)
	require.EqualValues(t, 60, ringLen)

	// Re-flushing the still-buffered tail does not duplicate rows.
	require.NoError(t, env.svc.Flush(ctx))
	require.NoError(t, env.db.Model(&models.ChatMessage{}).Count(&count).Error)
	require.EqualValues(t, 80, count)
}

func TestFlushPartitionsUserAndAnonMessages(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	_, _, err := env.svc.Append(ctx, sendReq(1, "tok-u", "from a user"), identity.NewRegistered(42), "alice")
	require.NoError(t, err)
	_, _, err = env.svc.Append(ctx, sendReq(1, "tok-a", "from a visitor"), identity.NewAnonymous(identity.HashAddress("192.0.2.7")), "")
	require.NoError(t, err)

	require.NoError(t, env.svc.Flush(ctx))

	var userRows, anonRows int64
	require.NoError(t, env.db.Model(&models.ChatMessage{}).Where("user_id IS NOT NULL").Count(&userRows).Error)
	require.NoError(t, env.db.Model(&models.ChatMessage{}).Where("anon_id IS NOT NULL").Count(&anonRows).Error)
	require.EqualValues(t, 1, userRows)
	require.EqualValues(t, 1, anonRows)
}

func TestRecentMergesDurableRowsAfterRestart(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()
	actor := identity.NewRegistered(42)

	_, _, err := env.svc.Append(ctx, sendReq(1, "tok-old", "before restart"), actor, "alice")
	require.NoError(t, err)
	require.NoError(t, env.svc.Flush(ctx))

	// Simulate a cache restart: the ring is gone, the durable row survives.
	env.mini.FlushAll()

	_, _, err = env.svc.Append(ctx, sendReq(1, "tok-new", "after restart"), actor, "alice")
	require.NoError(t, err)

	messages, err := env.svc.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "before restart", messages[0].Text)
	require.Equal(t, "after restart", messages[1].Text)
}

func TestThreadValidation(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	userID := uint(42)
	root := models.ChatMessage{IDToken: "srv-root", ChannelID: 1, UserID: &userID, Date: time.Now().UTC(), Text: "root"}
	require.NoError(t, env.db.Create(&root).Error)

	reply := sendReq(1, "tok-r", "a reply")
	reply.ThreadID = &root.ID
	_, accepted, err := env.svc.Append(ctx, reply, identity.NewRegistered(42), "alice")
	require.NoError(t, err)
	require.True(t, accepted)
	require.NoError(t, env.svc.Flush(ctx))

	// Replying to a reply would nest threads.
	var replyRow models.ChatMessage
	require.NoError(t, env.db.Where("id_token <> ?", "srv-root").First(&replyRow).Error)

	nested := sendReq(1, "tok-n", "a nested reply")
	nested.ThreadID = &replyRow.ID
	_, _, err = env.svc.Append(ctx, nested, identity.NewRegistered(42), "alice")
	require.ErrorIs(t, err, ErrNestedThread)

	// Unknown and cross-channel roots are rejected too.
	missing := uint(9999)
	unknown := sendReq(1, "tok-m", "orphan reply")
	unknown.ThreadID = &missing
	_, _, err = env.svc.Append(ctx, unknown, identity.NewRegistered(42), "alice")
	require.ErrorIs(t, err, ErrUnknownThread)

	cross := sendReq(2, "tok-c", "wrong room")
	cross.ThreadID = &root.ID
	_, _, err = env.svc.Append(ctx, cross, identity.NewRegistered(42), "alice")
	require.ErrorIs(t, err, ErrUnknownThread)

	thread, err := env.svc.Thread(ctx, 1, root.ID)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	require.Equal(t, "root", thread[0].Text)
	require.Equal(t, "a reply", thread[1].Text)
}

func TestAddressAuditFlush(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	hash, err := env.svc.RegisterAddress(ctx, "203.0.113.9")
	require.NoError(t, err)
	require.Equal(t, identity.HashAddress("203.0.113.9"), hash)

	require.NoError(t, env.svc.FlushAddresses(ctx))

	var row models.AddressIdentifier
	require.NoError(t, env.db.First(&row, "hash = ?", hash).Error)
	require.Equal(t, "203.0.113.9", row.IP)

	require.False(t, env.mini.Exists("ip_hashes"))

	// An empty hash set is a no-op flush.
	require.NoError(t, env.svc.FlushAddresses(ctx))
}

func TestDedupSetPrunedByRetention(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	svc := env.svc.(*chatService)
	base := time.Now().UTC()

	svc.now = func() time.Time { return base.Add(-2 * time.Hour) }
	_, accepted, err := svc.Append(ctx, sendReq(1, "tok-stale", "old"), identity.NewRegistered(1), "alice")
	require.NoError(t, err)
	require.True(t, accepted)

	svc.now = func() time.Time { return base }
	_, accepted, err = svc.Append(ctx, sendReq(1, "tok-fresh", "new"), identity.NewRegistered(1), "alice")
	require.NoError(t, err)
	require.True(t, accepted)

	require.NoError(t, svc.Flush(ctx))

	// The stale token aged out of the dedup window; the fresh one remains.
	tokens, err := env.redis.ZRange(ctx, "messages_seen", 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{"tok-fresh"}, tokens)
}
