package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fablehost/fable-api/internal/service"
)

// Reconciler keeps the cache and the durable store converged: it repopulates
// active vote state on startup, persists buffered chat on a fixed cadence,
// fires scheduled vote closes, and folds everything back on shutdown.
type Reconciler struct {
	votes         service.VoteService
	chat          service.ChatService
	chatInterval  time.Duration
	closeInterval time.Duration
	logger        zerolog.Logger
}

// NewReconciler wires the reconciliation workers over the two services.
func NewReconciler(votes service.VoteService, chat service.ChatService, chatInterval, closeInterval time.Duration, logger zerolog.Logger) *Reconciler {
	if chatInterval <= 0 {
		chatInterval = time.Minute
	}
	if closeInterval <= 0 {
		closeInterval = time.Second
	}
	return &Reconciler{
		votes:         votes,
		chat:          chat,
		chatInterval:  chatInterval,
		closeInterval: closeInterval,
		logger:        logger.With().Str("component", "reconciler").Logger(),
	}
}

// Repopulate loads every durably open vote into the cache. It runs before the
// server accepts traffic and is safe to repeat: activation overwrites vote
// state idempotently.
func (r *Reconciler) Repopulate(ctx context.Context) error {
	if err := r.votes.RepopulateActive(ctx); err != nil {
		return err
	}
	r.logger.Info().Msg("active vote state repopulated")
	return nil
}

// Start runs the periodic workers until ctx is cancelled. Tick failures are
// logged and the cadence continues; a transient store error must not stop
// future flushes.
func (r *Reconciler) Start(ctx context.Context) {
	go r.runChatFlush(ctx)
	go r.runCloseScan(ctx)
}

func (r *Reconciler) runChatFlush(ctx context.Context) {
	ticker := time.NewTicker(r.chatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.chat.Flush(ctx); err != nil {
				r.logger.Error().Err(err).Msg("chat flush tick failed")
			}
			if err := r.chat.FlushAddresses(ctx); err != nil {
				r.logger.Error().Err(err).Msg("address flush tick failed")
			}
		}
	}
}

func (r *Reconciler) runCloseScan(ctx context.Context) {
	ticker := time.NewTicker(r.closeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			closed, err := r.votes.CloseDue(ctx, time.Now())
			if err != nil {
				r.logger.Error().Err(err).Msg("vote close scan failed")
				continue
			}
			if closed > 0 {
				r.logger.Info().Int("closed", closed).Msg("scheduled votes closed")
			}
		}
	}
}

// FlushAll drains cache state into the durable store during shutdown. Votes
// fold first so their tallies survive, then buffered chat, then the address
// audit hash. Errors are logged and the remaining steps still run.
func (r *Reconciler) FlushAll(ctx context.Context) {
	if err := r.votes.CloseAllForShutdown(ctx); err != nil {
		r.logger.Error().Err(err).Msg("shutdown vote fold failed")
	}
	if err := r.chat.Flush(ctx); err != nil {
		r.logger.Error().Err(err).Msg("shutdown chat flush failed")
	}
	if err := r.chat.FlushAddresses(ctx); err != nil {
		r.logger.Error().Err(err).Msg("shutdown address flush failed")
	}
	r.logger.Info().Msg("cache state flushed")
}
