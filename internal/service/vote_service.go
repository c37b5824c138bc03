package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fablehost/fable-api/internal/dto"
	"github.com/fablehost/fable-api/internal/identity"
	"github.com/fablehost/fable-api/internal/models"
	"github.com/fablehost/fable-api/internal/observability"
	"github.com/fablehost/fable-api/internal/realtime"
	"github.com/fablehost/fable-api/internal/repository"
)

const closeScheduleKey = "vote_close_times"

// Validation rejections surfaced by vote operations.
var (
	ErrVoteInactive     = errors.New("vote is not active")
	ErrUnknownOption    = errors.New("option does not belong to vote")
	ErrOptionKilled     = errors.New("option has been killed")
	ErrWriteinsDisabled = errors.New("write-ins are not allowed on this vote")
)

// CloseReason distinguishes the three close paths.
type CloseReason string

const (
	// CloseReasonManual is an author closing the vote now.
	CloseReasonManual CloseReason = "manual"
	// CloseReasonScheduled is the close-scheduler acting on a due close time.
	CloseReasonScheduled CloseReason = "scheduled"
	// CloseReasonShutdown folds state on graceful shutdown without marking
	// the vote durably closed and without notifying clients.
	CloseReasonShutdown CloseReason = "shutdown"
)

// CastResult reports the outcome of a cast.
type CastResult struct {
	Changed bool
	// RemovedEntryID names the option the voter was moved away from when
	// multivote is off; zero when no retraction happened.
	RemovedEntryID uint
}

// VoteService is the state machine for vote lifecycles, implemented as atomic
// operations against the cache store with a durable mirror.
type VoteService interface {
	Activate(ctx context.Context, voteID uint, notify bool) error
	Cast(ctx context.Context, voteID, entryID uint, voter identity.Actor) (CastResult, error)
	Retract(ctx context.Context, voteID, entryID uint, voter identity.Actor) (bool, error)
	AddWritein(ctx context.Context, voteID uint, text string, voter identity.Actor) (uint, error)
	SetOptionKilled(ctx context.Context, voteID, entryID uint, killed bool, reason string) error
	SetConfig(ctx context.Context, voteID uint, cfg dto.VoteConfigRequest) error
	Close(ctx context.Context, voteID uint, reason CloseReason) (bool, error)
	RenderState(ctx context.Context, voteID uint, voter identity.Actor, privileged bool) (dto.VoteSnapshot, error)
	ActiveVoteIDs(ctx context.Context, channelID uint) ([]uint, error)
	RepopulateActive(ctx context.Context) error
	CloseDue(ctx context.Context, now time.Time) (int, error)
	CloseAllForShutdown(ctx context.Context) error
}

type voteService struct {
	repo   repository.VoteRepository
	redis  *redis.Client
	fanout *realtime.Fanout
	logger zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewVoteService creates a vote engine instance.
func NewVoteService(repo repository.VoteRepository, redisClient *redis.Client, fanout *realtime.Fanout, logger zerolog.Logger) VoteService {
	return &voteService{
		repo:   repo,
		redis:  redisClient,
		fanout: fanout,
		logger: logger.With().Str("component", "vote_service").Logger(),
		tracer: otel.Tracer("github.com/fablehost/fable-api/internal/service/vote"),
		now:    time.Now,
	}
}

// voterSet is a set of actor cache keys. The cache stores it as a JSON
// object; script engines encode an emptied set as [], so accept both forms.
type voterSet map[string]bool

func (v *voterSet) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("[]")) {
		*v = voterSet{}
		return nil
	}
	m := map[string]bool{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*v = m
	return nil
}

type cachedVoteEntry struct {
	Text       string   `json:"text"`
	Killed     bool     `json:"killed"`
	KilledText string   `json:"killed_text,omitempty"`
	Voters     voterSet `json:"voters"`
}

// entryMap keys are decimal durable entry ids; same empty-encoding tolerance
// as voterSet.
type entryMap map[string]cachedVoteEntry

func (e *entryMap) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("[]")) {
		*e = entryMap{}
		return nil
	}
	m := map[string]cachedVoteEntry{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*e = m
	return nil
}

// cachedVote is the single serialized cache value holding a live vote.
type cachedVote struct {
	ChannelID      uint     `json:"channel_id"`
	Question       string   `json:"question"`
	Multivote      bool     `json:"multivote"`
	WriteinAllowed bool     `json:"writein_allowed"`
	VotesHidden    bool     `json:"votes_hidden"`
	CloseTimeMs    int64    `json:"close_time_ms"`
	Entries        entryMap `json:"entries"`
}

func voteKey(voteID uint) string {
	return fmt.Sprintf("vote:%d", voteID)
}

func channelVotesKey(channelID uint) string {
	return fmt.Sprintf("chan_votes:%d", channelID)
}

func scheduleMember(channelID, voteID uint) string {
	return fmt.Sprintf("%d:%d", channelID, voteID)
}

func (s *voteService) loadState(ctx context.Context, voteID uint) (cachedVote, error) {
	raw, err := s.redis.Get(ctx, voteKey(voteID)).Result()
	if err != nil {
		return cachedVote{}, err
	}

	var state cachedVote
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return cachedVote{}, fmt.Errorf("corrupt cache state for vote %d: %w", voteID, err)
	}
	if state.Entries == nil {
		state.Entries = entryMap{}
	}
	return state, nil
}

func (s *voteService) Activate(ctx context.Context, voteID uint, notify bool) error {
	vote, err := s.repo.Get(ctx, voteID)
	if err != nil {
		return err
	}

	// An already-elapsed close time means this is a reopen of a closed vote.
	// Re-scheduling it would fold the vote straight back on the next scan, so
	// null it durably; the author sets a fresh deadline if one is wanted.
	closeTime := vote.TimeClosed
	if closeTime != nil && !closeTime.After(s.now()) {
		if err := s.repo.ClearCloseTime(ctx, voteID); err != nil {
			return err
		}
		closeTime = nil
	}

	state := cachedVote{
		ChannelID:      vote.ChannelID,
		Question:       vote.Question,
		Multivote:      vote.Multivote,
		WriteinAllowed: vote.WriteinAllowed,
		VotesHidden:    vote.VotesHidden,
		Entries:        entryMap{},
	}
	if closeTime != nil {
		state.CloseTimeMs = closeTime.UnixMilli()
	}

	for _, entry := range vote.Entries {
		cached := cachedVoteEntry{
			Text:   entry.Text,
			Killed: entry.Killed,
			Voters: voterSet{},
		}
		if entry.KilledText != nil {
			cached.KilledText = *entry.KilledText
		}
		for _, uv := range entry.Votes {
			actor, err := voterActor(uv)
			if err != nil {
				return err
			}
			cached.Voters[actor.CacheKey()] = true
		}
		state.Entries[strconv.FormatUint(uint64(entry.ID), 10)] = cached
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}

	// SET overwrites, so running activation twice yields identical state.
	if err := s.redis.Set(ctx, voteKey(voteID), payload, 0).Err(); err != nil {
		return err
	}
	if err := s.redis.SAdd(ctx, channelVotesKey(vote.ChannelID), voteID).Err(); err != nil {
		return err
	}
	if closeTime != nil {
		member := scheduleMember(vote.ChannelID, voteID)
		score := float64(closeTime.UnixMilli())
		if err := s.redis.ZAdd(ctx, closeScheduleKey, redis.Z{Score: score, Member: member}).Err(); err != nil {
			return err
		}
	}

	if notify {
		s.publishEvent(ctx, state.ChannelID, dto.EventVoteOpenChanged, dto.VoteOpenChanged{
			VoteID: voteID, ChannelID: state.ChannelID, Open: true,
		})
		s.publishRendered(ctx, voteID, state)
	}

	return nil
}

func (s *voteService) Cast(ctx context.Context, voteID, entryID uint, voter identity.Actor) (CastResult, error) {
	spanCtx, span := s.tracer.Start(ctx, "vote.cast", trace.WithAttributes(
		attribute.Int64("vote.id", int64(voteID)),
		attribute.Int64("vote.entry_id", int64(entryID)),
	))
	defer span.End()

	res, err := castScript.Run(spanCtx, s.redis, []string{voteKey(voteID)},
		strconv.FormatUint(uint64(entryID), 10), voter.CacheKey()).Result()
	if err != nil {
		span.RecordError(err)
		return CastResult{}, err
	}

	code, removed, err := castReply(res)
	if err != nil {
		return CastResult{}, err
	}

	switch code {
	case -1:
		return CastResult{}, ErrVoteInactive
	case -2:
		return CastResult{}, ErrUnknownOption
	case -3:
		return CastResult{}, ErrOptionKilled
	case 0:
		// Duplicate cast: no state change, no broadcast.
		return CastResult{}, nil
	}

	result := CastResult{Changed: true}
	if removed != "" {
		removedID, err := strconv.ParseUint(removed, 10, 64)
		if err != nil {
			return CastResult{}, fmt.Errorf("unexpected removed entry id %q: %w", removed, err)
		}
		result.RemovedEntryID = uint(removedID)
	}

	observability.VotesCast().WithLabelValues(actorLabel(voter)).Inc()

	state, err := s.loadState(spanCtx, voteID)
	if err != nil {
		// The cast itself landed; broadcasting is best-effort.
		s.logger.Warn().Err(err).Uint("vote_id", voteID).Msg("failed to reload vote state after cast")
		return result, nil
	}

	if result.RemovedEntryID != 0 {
		s.publishCastAck(spanCtx, state, voteID, result.RemovedEntryID, false)
	}
	s.publishCastAck(spanCtx, state, voteID, entryID, true)

	return result, nil
}

func (s *voteService) Retract(ctx context.Context, voteID, entryID uint, voter identity.Actor) (bool, error) {
	code, err := retractScript.Run(ctx, s.redis, []string{voteKey(voteID)},
		strconv.FormatUint(uint64(entryID), 10), voter.CacheKey()).Int()
	if err != nil {
		return false, err
	}

	switch code {
	case -1:
		return false, ErrVoteInactive
	case -2:
		return false, ErrUnknownOption
	case 0:
		return false, nil
	}

	if state, err := s.loadState(ctx, voteID); err == nil {
		s.publishCastAck(ctx, state, voteID, entryID, false)
	}

	return true, nil
}

func (s *voteService) AddWritein(ctx context.Context, voteID uint, text string, voter identity.Actor) (uint, error) {
	state, err := s.loadState(ctx, voteID)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrVoteInactive
		}
		return 0, err
	}
	if !state.WriteinAllowed {
		return 0, ErrWriteinsDisabled
	}

	// Durable insert first, so the option carries a stable id.
	entry := models.VoteEntry{VoteID: voteID, Text: text}
	if err := s.repo.CreateEntry(ctx, &entry); err != nil {
		return 0, err
	}

	code, err := registerEntryScript.Run(ctx, s.redis, []string{voteKey(voteID)},
		strconv.FormatUint(uint64(entry.ID), 10), text).Int()
	if err != nil || code <= 0 {
		// The vote closed or write-ins were disabled between the durable
		// insert and the cache registration: delete the orphan row.
		if delErr := s.repo.DeleteEntry(ctx, entry.ID); delErr != nil {
			s.logger.Error().Err(delErr).Uint("entry_id", entry.ID).Msg("failed to roll back orphan write-in entry")
		}
		if err != nil {
			return 0, err
		}
		if code == -4 {
			return 0, ErrWriteinsDisabled
		}
		return 0, ErrVoteInactive
	}

	if _, err := s.Cast(ctx, voteID, entry.ID, voter); err != nil {
		s.logger.Warn().Err(err).Uint("vote_id", voteID).Msg("write-in registered but initial cast failed")
	}

	if state, err := s.loadState(ctx, voteID); err == nil {
		s.publishRendered(ctx, voteID, state)
	}

	return entry.ID, nil
}

func (s *voteService) SetOptionKilled(ctx context.Context, voteID, entryID uint, killed bool, reason string) error {
	killedArg := "0"
	if killed {
		killedArg = "1"
	}

	code, err := killEntryScript.Run(ctx, s.redis, []string{voteKey(voteID)},
		strconv.FormatUint(uint64(entryID), 10), killedArg, reason).Int()
	if err != nil {
		return err
	}
	switch code {
	case -1:
		return ErrVoteInactive
	case -2:
		return ErrUnknownOption
	}

	if state, err := s.loadState(ctx, voteID); err == nil {
		s.publishRendered(ctx, voteID, state)
	}
	return nil
}

func (s *voteService) SetConfig(ctx context.Context, voteID uint, cfg dto.VoteConfigRequest) error {
	patch := map[string]interface{}{}
	if cfg.Multivote != nil {
		patch["multivote"] = *cfg.Multivote
	}
	if cfg.WriteinAllowed != nil {
		patch["writein_allowed"] = *cfg.WriteinAllowed
	}
	if cfg.VotesHidden != nil {
		patch["votes_hidden"] = *cfg.VotesHidden
	}
	if cfg.CloseTime != nil {
		patch["close_time_ms"] = cfg.CloseTime.UnixMilli()
	}
	if len(patch) == 0 {
		return nil
	}

	raw, err := json.Marshal(patch)
	if err != nil {
		return err
	}

	code, err := configScript.Run(ctx, s.redis, []string{voteKey(voteID)}, string(raw)).Int()
	if err != nil {
		return err
	}
	if code == -1 {
		return ErrVoteInactive
	}

	state, err := s.loadState(ctx, voteID)
	if err != nil {
		return err
	}

	if cfg.CloseTime != nil {
		member := scheduleMember(state.ChannelID, voteID)
		score := float64(cfg.CloseTime.UnixMilli())
		if err := s.redis.ZAdd(ctx, closeScheduleKey, redis.Z{Score: score, Member: member}).Err(); err != nil {
			return err
		}
	}

	s.publishRendered(ctx, voteID, state)
	return nil
}

func (s *voteService) Close(ctx context.Context, voteID uint, reason CloseReason) (bool, error) {
	state, err := s.loadState(ctx, voteID)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}

	// The removal count is the sole arbiter of the close race: exactly one
	// closer sees 1 here and proceeds to the durable fold.
	removed, err := s.redis.SRem(ctx, channelVotesKey(state.ChannelID), voteID).Result()
	if err != nil {
		return false, err
	}
	if removed == 0 {
		return false, nil
	}

	// Winning the race consumed the active-set member. If the fold below
	// fails, put it back so the next attempt can retry instead of observing
	// an already-closed vote while the tally is still unpersisted.
	folded := false
	defer func() {
		if folded {
			return
		}
		if err := s.redis.SAdd(ctx, channelVotesKey(state.ChannelID), voteID).Err(); err != nil {
			s.logger.Error().Err(err).Uint("vote_id", voteID).Msg("failed to restore active-set member after close failure")
		}
	}()

	// Re-read for the final tally; casts may have landed since the first read.
	if latest, err := s.loadState(ctx, voteID); err == nil {
		state = latest
	}

	fold := repository.VoteFold{
		VoteID:         voteID,
		Multivote:      state.Multivote,
		WriteinAllowed: state.WriteinAllowed,
		VotesHidden:    state.VotesHidden,
	}

	switch reason {
	case CloseReasonShutdown:
		// Preserve the originally scheduled close time; an unscheduled vote
		// stays durably open and is re-activated on the next startup.
		if state.CloseTimeMs != 0 {
			t := time.UnixMilli(state.CloseTimeMs).UTC()
			fold.TimeClosed = &t
		}
	default:
		t := s.now().UTC()
		fold.TimeClosed = &t
	}

	for id, entry := range state.Entries {
		entryID, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return false, fmt.Errorf("corrupt entry id %q in vote %d: %w", id, voteID, err)
		}
		entryFold := repository.EntryFold{
			EntryID: uint(entryID),
			Killed:  entry.Killed,
			Voters:  make([]string, 0, len(entry.Voters)),
		}
		if entry.KilledText != "" {
			text := entry.KilledText
			entryFold.KilledText = &text
		}
		for voter := range entry.Voters {
			entryFold.Voters = append(entryFold.Voters, voter)
		}
		fold.Entries = append(fold.Entries, entryFold)
	}

	if err := s.repo.FoldClose(ctx, fold, userVoteRow); err != nil {
		return false, err
	}
	folded = true

	// The close has committed; cache cleanup is best-effort.
	if err := s.redis.Del(ctx, voteKey(voteID)).Err(); err != nil {
		s.logger.Warn().Err(err).Uint("vote_id", voteID).Msg("failed to drop cache state for closed vote")
	}
	if err := s.redis.ZRem(ctx, closeScheduleKey, scheduleMember(state.ChannelID, voteID)).Err(); err != nil {
		s.logger.Warn().Err(err).Uint("vote_id", voteID).Msg("failed to drop close schedule for closed vote")
	}

	observability.VotesClosed().WithLabelValues(string(reason)).Inc()

	if reason != CloseReasonShutdown {
		s.publishEvent(ctx, state.ChannelID, dto.EventVoteOpenChanged, dto.VoteOpenChanged{
			VoteID: voteID, ChannelID: state.ChannelID, Open: false,
		})
	}

	return true, nil
}

func (s *voteService) RenderState(ctx context.Context, voteID uint, voter identity.Actor, privileged bool) (dto.VoteSnapshot, error) {
	state, err := s.loadState(ctx, voteID)
	if err == nil {
		return renderSnapshot(voteID, state, true, voter, privileged), nil
	}
	if !errors.Is(err, redis.Nil) {
		return dto.VoteSnapshot{}, err
	}

	// Not active: render from the durable mirror.
	vote, err := s.repo.Get(ctx, voteID)
	if err != nil {
		return dto.VoteSnapshot{}, err
	}

	snapshot := dto.VoteSnapshot{
		VoteID:         voteID,
		ChannelID:      vote.ChannelID,
		Question:       vote.Question,
		Multivote:      vote.Multivote,
		WriteinAllowed: vote.WriteinAllowed,
		VotesHidden:    vote.VotesHidden,
		CloseTime:      vote.TimeClosed,
	}
	for _, entry := range vote.Entries {
		view := dto.VoteOptionView{
			ID:         entry.ID,
			Text:       entry.Text,
			Killed:     entry.Killed,
			KilledText: entry.KilledText,
		}
		if !vote.VotesHidden || privileged {
			count := len(entry.Votes)
			view.Count = &count
		}
		if !voter.IsZero() {
			for _, uv := range entry.Votes {
				actor, err := voterActor(uv)
				if err == nil && actor == voter {
					view.UserVoted = true
					break
				}
			}
		}
		snapshot.Options = append(snapshot.Options, view)
	}
	sort.Slice(snapshot.Options, func(i, j int) bool { return snapshot.Options[i].ID < snapshot.Options[j].ID })

	return snapshot, nil
}

func (s *voteService) ActiveVoteIDs(ctx context.Context, channelID uint) ([]uint, error) {
	members, err := s.redis.SMembers(ctx, channelVotesKey(channelID)).Result()
	if err != nil {
		return nil, err
	}

	ids := make([]uint, 0, len(members))
	for _, member := range members {
		id, err := strconv.ParseUint(member, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt active-set member %q: %w", member, err)
		}
		ids = append(ids, uint(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *voteService) RepopulateActive(ctx context.Context) error {
	votes, err := s.repo.ListOpen(ctx, s.now())
	if err != nil {
		return err
	}

	for _, vote := range votes {
		if err := s.Activate(ctx, vote.ID, false); err != nil {
			return fmt.Errorf("repopulating vote %d: %w", vote.ID, err)
		}
	}

	s.logger.Info().Int("count", len(votes)).Msg("repopulated active votes")
	return nil
}

func (s *voteService) CloseDue(ctx context.Context, now time.Time) (int, error) {
	members, err := s.redis.ZRangeByScore(ctx, closeScheduleKey, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	closed := 0
	var firstErr error
	for _, member := range members {
		parts := strings.SplitN(member, ":", 2)
		if len(parts) != 2 {
			continue
		}
		voteID, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			continue
		}
		done, err := s.Close(ctx, uint(voteID), CloseReasonScheduled)
		if err != nil {
			// One failing vote must not delay the rest of the due set.
			s.logger.Error().Err(err).Uint64("vote_id", voteID).Msg("scheduled close failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if done {
			closed++
		}
	}
	return closed, firstErr
}

func (s *voteService) CloseAllForShutdown(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, "vote:*", 100).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			id, err := strconv.ParseUint(strings.TrimPrefix(key, "vote:"), 10, 64)
			if err != nil {
				continue
			}
			if _, err := s.Close(ctx, uint(id), CloseReasonShutdown); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *voteService) publishCastAck(ctx context.Context, state cachedVote, voteID, entryID uint, cast bool) {
	ack := dto.VoteCastAck{VoteID: voteID, EntryID: entryID, Cast: cast}
	if !state.VotesHidden {
		if entry, ok := state.Entries[strconv.FormatUint(uint64(entryID), 10)]; ok {
			count := len(entry.Voters)
			ack.Count = &count
		}
	}
	s.publishEvent(ctx, state.ChannelID, dto.EventVoteCastAck, ack)
}

func (s *voteService) publishRendered(ctx context.Context, voteID uint, state cachedVote) {
	snapshot := renderSnapshot(voteID, state, true, identity.Actor{}, false)
	s.publishEvent(ctx, state.ChannelID, dto.EventVoteRendered, snapshot)
}

func (s *voteService) publishEvent(ctx context.Context, channelID uint, eventType string, data interface{}) {
	payload, err := dto.EncodeEvent(eventType, data)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to encode event")
		return
	}
	if err := s.fanout.Publish(ctx, realtime.ChannelKey(channelID), payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to publish event")
	}
}

func renderSnapshot(voteID uint, state cachedVote, active bool, voter identity.Actor, privileged bool) dto.VoteSnapshot {
	snapshot := dto.VoteSnapshot{
		VoteID:         voteID,
		ChannelID:      state.ChannelID,
		Question:       state.Question,
		Multivote:      state.Multivote,
		WriteinAllowed: state.WriteinAllowed,
		VotesHidden:    state.VotesHidden,
		Active:         active,
	}
	if state.CloseTimeMs != 0 {
		t := time.UnixMilli(state.CloseTimeMs).UTC()
		snapshot.CloseTime = &t
	}

	for id, entry := range state.Entries {
		entryID, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			continue
		}
		view := dto.VoteOptionView{
			ID:     uint(entryID),
			Text:   entry.Text,
			Killed: entry.Killed,
		}
		if entry.KilledText != "" {
			text := entry.KilledText
			view.KilledText = &text
		}
		if !state.VotesHidden || privileged {
			count := len(entry.Voters)
			view.Count = &count
		}
		if !voter.IsZero() {
			view.UserVoted = entry.Voters[voter.CacheKey()]
		}
		snapshot.Options = append(snapshot.Options, view)
	}
	sort.Slice(snapshot.Options, func(i, j int) bool { return snapshot.Options[i].ID < snapshot.Options[j].ID })

	return snapshot
}

func castReply(res interface{}) (int64, string, error) {
	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return 0, "", fmt.Errorf("unexpected cast script reply %v", res)
	}
	code, ok := values[0].(int64)
	if !ok {
		return 0, "", fmt.Errorf("unexpected cast script code %v", values[0])
	}
	removed, _ := values[1].(string)
	return code, removed, nil
}

func voterActor(uv models.UserVote) (identity.Actor, error) {
	switch {
	case uv.UserID != nil:
		return identity.NewRegistered(*uv.UserID), nil
	case uv.AnonID != nil:
		return identity.NewAnonymous(*uv.AnonID), nil
	default:
		return identity.Actor{}, fmt.Errorf("user vote %d has neither user nor anon id", uv.ID)
	}
}

func userVoteRow(entryID uint, voterKey string) (models.UserVote, error) {
	actor, err := identity.ParseCacheKey(voterKey)
	if err != nil {
		return models.UserVote{}, err
	}

	row := models.UserVote{EntryID: entryID}
	switch actor.Kind() {
	case identity.Registered:
		id := actor.UserID()
		row.UserID = &id
	case identity.Anonymous:
		hash := actor.AnonHash()
		row.AnonID = &hash
	}
	return row, nil
}

func actorLabel(a identity.Actor) string {
	if a.Kind() == identity.Anonymous {
		return "anon"
	}
	return "user"
}
