package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/fablehost/fable-api/internal/dto"
	"github.com/fablehost/fable-api/internal/identity"
	"github.com/fablehost/fable-api/internal/models"
	"github.com/fablehost/fable-api/internal/observability"
	"github.com/fablehost/fable-api/internal/realtime"
	"github.com/fablehost/fable-api/internal/repository"
)

const (
	dedupSetKey    = "messages_seen"
	allChannelsKey = "all_channels"
	ipHashesKey    = "ip_hashes"
)

// Validation rejections surfaced by chat operations.
var (
	ErrEmptyMessage  = errors.New("message content empty after sanitization")
	ErrUnknownThread = errors.New("thread root does not exist")
	ErrNestedThread  = repository.ErrNestedThread
)

// ChatService maintains the per-channel bounded ring of recent messages and
// its at-most-once persistence into the durable store.
type ChatService interface {
	// Append validates and buffers one chat line, broadcasting it to the
	// channel. The bool result is false when the message was a duplicate
	// delivery (same browser token within the retention window).
	Append(ctx context.Context, req dto.ChatSendRequest, actor identity.Actor, userName string) (dto.ChatMessageResponse, bool, error)
	// Recent merges the cache ring with durable rows the ring does not yet
	// hold, returning the most recent messages in chronological order.
	Recent(ctx context.Context, channelID uint) ([]dto.ChatMessageResponse, error)
	Thread(ctx context.Context, channelID, rootID uint) ([]dto.ChatMessageResponse, error)
	// RegisterAddress records a client address hash for later audit flush
	// and returns the anonymous actor hash.
	RegisterAddress(ctx context.Context, addr string) (string, error)
	// Flush persists every buffered channel ring, trims rings to the bounded
	// length and prunes the deduplication set.
	Flush(ctx context.Context) error
	FlushAddresses(ctx context.Context) error
}

type chatService struct {
	repo      repository.ChatRepository
	redis     *redis.Client
	fanout    *realtime.Fanout
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	ringSize  int
	retention time.Duration
	now       func() time.Time
}

// NewChatService creates a chat buffer instance.
func NewChatService(repo repository.ChatRepository, redisClient *redis.Client, fanout *realtime.Fanout, validate *validator.Validate, ringSize int, retention time.Duration, logger zerolog.Logger) ChatService {
	if ringSize <= 0 {
		ringSize = 60
	}
	if retention <= 0 {
		retention = time.Hour
	}

	return &chatService{
		repo:      repo,
		redis:     redisClient,
		fanout:    fanout,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "chat_service").Logger(),
		tracer:    otel.Tracer("github.com/fablehost/fable-api/internal/service/chat"),
		ringSize:  ringSize,
		retention: retention,
		now:       time.Now,
	}
}

func ringKey(channelID uint) string {
	return fmt.Sprintf("chat_channel:%d", channelID)
}

func (s *chatService) Append(ctx context.Context, req dto.ChatSendRequest, actor identity.Actor, userName string) (dto.ChatMessageResponse, bool, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ChatMessageResponse{}, false, err
	}
	if actor.IsZero() {
		return dto.ChatMessageResponse{}, false, fmt.Errorf("actor identity required")
	}

	clean := strings.TrimSpace(s.sanitizer.Sanitize(req.Text))
	if clean == "" {
		return dto.ChatMessageResponse{}, false, ErrEmptyMessage
	}

	if req.ThreadID != nil {
		if err := s.checkThreadRoot(ctx, req.ChannelID, *req.ThreadID); err != nil {
			return dto.ChatMessageResponse{}, false, err
		}
	}

	spanCtx, span := s.tracer.Start(ctx, "chat.append", trace.WithAttributes(
		attribute.Int64("chat.channel_id", int64(req.ChannelID)),
	))
	defer span.End()

	now := s.now().UTC()

	// Client retries resend the same browser token; the first delivery wins.
	added, err := s.redis.ZAddNX(spanCtx, dedupSetKey, redis.Z{
		Score:  float64(now.UnixMicro()),
		Member: req.BrowserToken,
	}).Result()
	if err != nil {
		span.RecordError(err)
		return dto.ChatMessageResponse{}, false, err
	}
	if added == 0 {
		return dto.ChatMessageResponse{}, false, nil
	}

	message := dto.CachedChatMessage{
		ServerToken:  uuid.NewString(),
		BrowserToken: req.BrowserToken,
		ChannelID:    req.ChannelID,
		Text:         clean,
		Date:         now,
		ThreadID:     req.ThreadID,
	}
	switch actor.Kind() {
	case identity.Registered:
		id := actor.UserID()
		message.UserID = &id
		message.UserName = userName
	case identity.Anonymous:
		hash := actor.AnonHash()
		message.AnonID = &hash
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return dto.ChatMessageResponse{}, false, err
	}

	key := ringKey(req.ChannelID)
	if err := s.redis.RPush(spanCtx, key, payload).Err(); err != nil {
		span.RecordError(err)
		return dto.ChatMessageResponse{}, false, err
	}
	if err := s.redis.SAdd(spanCtx, allChannelsKey, key).Err(); err != nil {
		return dto.ChatMessageResponse{}, false, err
	}

	observability.ChatMessages().WithLabelValues(actorLabel(actor)).Inc()

	response := dto.NewChatMessageResponse(message)
	s.broadcast(spanCtx, req.ChannelID, response)

	return response, true, nil
}

func (s *chatService) checkThreadRoot(ctx context.Context, channelID, rootID uint) error {
	root, err := s.repo.ThreadRoot(ctx, rootID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownThread
		}
		return err
	}
	if root.ChannelID != channelID {
		return ErrUnknownThread
	}
	// Thread references never chain.
	if root.ThreadID != nil {
		return ErrNestedThread
	}
	return nil
}

func (s *chatService) Recent(ctx context.Context, channelID uint) ([]dto.ChatMessageResponse, error) {
	buffered, err := s.readRing(ctx, channelID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(buffered))
	for _, m := range buffered {
		seen[m.ServerToken] = struct{}{}
	}

	// Immediately after a restart the ring is thin; backfill from rows the
	// ring does not hold yet.
	rows, err := s.repo.ListRecent(ctx, channelID, s.ringSize)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if _, ok := seen[row.IDToken]; ok {
			continue
		}
		buffered = append(buffered, dto.NewCachedChatMessage(row))
	}

	sort.Slice(buffered, func(i, j int) bool { return buffered[i].Date.Before(buffered[j].Date) })
	if len(buffered) > s.ringSize {
		buffered = buffered[len(buffered)-s.ringSize:]
	}

	return dto.NewChatMessageResponseSlice(buffered), nil
}

func (s *chatService) Thread(ctx context.Context, channelID, rootID uint) ([]dto.ChatMessageResponse, error) {
	rows, err := s.repo.ListThread(ctx, channelID, rootID)
	if err != nil {
		return nil, err
	}

	messages := make([]dto.CachedChatMessage, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, dto.NewCachedChatMessage(row))
	}
	return dto.NewChatMessageResponseSlice(messages), nil
}

func (s *chatService) RegisterAddress(ctx context.Context, addr string) (string, error) {
	hash := identity.HashAddress(addr)
	if err := s.redis.HSet(ctx, ipHashesKey, hash, addr).Err(); err != nil {
		return "", err
	}
	return hash, nil
}

func (s *chatService) Flush(ctx context.Context) error {
	ringKeys, err := s.redis.SMembers(ctx, allChannelsKey).Result()
	if err != nil {
		return err
	}

	all := make([]dto.CachedChatMessage, 0)
	for _, key := range ringKeys {
		raws, err := s.redis.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		for _, raw := range raws {
			var message dto.CachedChatMessage
			if err := json.Unmarshal([]byte(raw), &message); err != nil {
				s.logger.Warn().Err(err).Str("ring", key).Msg("skipping corrupt buffered message")
				continue
			}
			all = append(all, message)
		}
		// The ring keeps serving recent reads after the flush; only the
		// overflow beyond the bounded length is dropped.
		if err := s.redis.LTrim(ctx, key, int64(-s.ringSize), -1).Err(); err != nil {
			return err
		}
	}

	// These two partitions are disjoint and cover every buffered message.
	userRows := make([]models.ChatMessage, 0)
	anonRows := make([]models.ChatMessage, 0)
	for _, message := range all {
		switch {
		case message.UserID != nil:
			userRows = append(userRows, message.ToModel())
		case message.AnonID != nil:
			anonRows = append(anonRows, message.ToModel())
		default:
			s.logger.Warn().Str("token", message.ServerToken).Msg("buffered message has no actor, dropping")
		}
	}

	if err := s.repo.InsertIgnoringDuplicates(ctx, userRows); err != nil {
		return err
	}
	if err := s.repo.InsertIgnoringDuplicates(ctx, anonRows); err != nil {
		return err
	}

	observability.ChatFlushed().Add(float64(len(userRows) + len(anonRows)))

	cutoff := s.now().Add(-s.retention).UTC()
	return s.redis.ZRemRangeByScore(ctx, dedupSetKey,
		"0", strconv.FormatInt(cutoff.UnixMicro(), 10)).Err()
}

func (s *chatService) FlushAddresses(ctx context.Context) error {
	hashes, err := s.redis.HGetAll(ctx, ipHashesKey).Result()
	if err != nil {
		return err
	}
	if len(hashes) == 0 {
		return nil
	}

	rows := make([]models.AddressIdentifier, 0, len(hashes))
	for hash, addr := range hashes {
		rows = append(rows, models.AddressIdentifier{Hash: hash, IP: addr})
	}

	if err := s.repo.SaveAddresses(ctx, rows); err != nil {
		return err
	}

	// Future RegisterAddress calls recreate the hash.
	return s.redis.Del(ctx, ipHashesKey).Err()
}

func (s *chatService) readRing(ctx context.Context, channelID uint) ([]dto.CachedChatMessage, error) {
	raws, err := s.redis.LRange(ctx, ringKey(channelID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]dto.CachedChatMessage, 0, len(raws))
	for _, raw := range raws {
		var message dto.CachedChatMessage
		if err := json.Unmarshal([]byte(raw), &message); err != nil {
			s.logger.Warn().Err(err).Uint("channel_id", channelID).Msg("skipping corrupt buffered message")
			continue
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func (s *chatService) broadcast(ctx context.Context, channelID uint, response dto.ChatMessageResponse) {
	payload, err := dto.EncodeEvent(dto.EventChatPosted, response)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode chat event")
		return
	}
	if err := s.fanout.Publish(ctx, realtime.ChannelKey(channelID), payload); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish chat event")
	}
}
