package handler

import (
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/fablehost/fable-api/internal/dto"
	"github.com/fablehost/fable-api/internal/middleware"
	"github.com/fablehost/fable-api/internal/repository"
	"github.com/fablehost/fable-api/internal/service"
	"github.com/fablehost/fable-api/internal/utils"
)

// VoteHandler exposes the author-side vote controls and the snapshot view.
// Mutating routes are registered behind required authentication; casting and
// retraction stay on the websocket surface.
type VoteHandler struct {
	votes     service.VoteService
	channels  repository.ChannelRepository
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewVoteHandler creates a vote handler instance.
func NewVoteHandler(votes service.VoteService, channels repository.ChannelRepository, validate *validator.Validate, logger zerolog.Logger) *VoteHandler {
	return &VoteHandler{
		votes:     votes,
		channels:  channels,
		validator: validate,
		logger:    logger.With().Str("component", "vote_handler").Logger(),
	}
}

// Register binds the public snapshot route.
func (h *VoteHandler) Register(router fiber.Router) {
	router.Get("/:vote_id", h.snapshot)
}

// RegisterAuthorRoutes binds the mutating routes with auth attached per
// route, so the public snapshot route sharing the prefix stays open to
// anonymous viewers.
func (h *VoteHandler) RegisterAuthorRoutes(router fiber.Router, auth fiber.Handler) {
	router.Post("/:vote_id/open", auth, h.open)
	router.Post("/:vote_id/close", auth, h.close)
	router.Patch("/:vote_id/config", auth, h.config)
	router.Post("/:vote_id/options/:entry_id/kill", auth, h.kill)
}

func (h *VoteHandler) snapshot(c *fiber.Ctx) error {
	voteID, err := paramUint(c, "vote_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	actor := middleware.ActorFromCtx(c)
	privileged := false
	if userID, ok := c.Locals("user_id").(uint); ok {
		if state, err := h.votes.RenderState(c.UserContext(), voteID, actor, false); err == nil {
			privileged, _ = h.channels.IsStoryAuthor(c.UserContext(), state.ChannelID, userID)
		}
	}

	snapshot, err := h.votes.RenderState(c.UserContext(), voteID, actor, privileged)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "vote not found")
		}
		h.logger.Error().Err(err).Uint("vote_id", voteID).Msg("vote snapshot failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to render vote")
	}

	return utils.SendSuccess(c, "vote state", snapshot)
}

func (h *VoteHandler) open(c *fiber.Ctx) error {
	voteID, err := h.requireAuthor(c)
	if err != nil {
		return err
	}

	if err := h.votes.Activate(c.UserContext(), voteID, true); err != nil {
		h.logger.Error().Err(err).Uint("vote_id", voteID).Msg("vote open failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to open vote")
	}
	return utils.SendSuccess(c, "vote opened", nil)
}

func (h *VoteHandler) close(c *fiber.Ctx) error {
	voteID, err := h.requireAuthor(c)
	if err != nil {
		return err
	}

	closed, err := h.votes.Close(c.UserContext(), voteID, service.CloseReasonManual)
	if err != nil {
		h.logger.Error().Err(err).Uint("vote_id", voteID).Msg("vote close failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to close vote")
	}
	if !closed {
		// Another path won the close race; the outcome the author wanted holds.
		return utils.SendSuccess(c, "vote already closed", nil)
	}
	return utils.SendSuccess(c, "vote closed", nil)
}

func (h *VoteHandler) config(c *fiber.Ctx) error {
	voteID, err := h.requireAuthor(c)
	if err != nil {
		return err
	}

	var req dto.VoteConfigRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	if err := h.votes.SetConfig(c.UserContext(), voteID, req); err != nil {
		if errors.Is(err, service.ErrVoteInactive) {
			return utils.SendError(c, fiber.StatusConflict, "vote is not active")
		}
		h.logger.Error().Err(err).Uint("vote_id", voteID).Msg("vote config failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to update vote config")
	}
	return utils.SendSuccess(c, "vote config updated", nil)
}

func (h *VoteHandler) kill(c *fiber.Ctx) error {
	voteID, err := h.requireAuthor(c)
	if err != nil {
		return err
	}
	entryID, err := paramUint(c, "entry_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var req dto.KillOptionRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.votes.SetOptionKilled(c.UserContext(), voteID, entryID, req.Killed, req.Reason); err != nil {
		switch {
		case errors.Is(err, service.ErrVoteInactive):
			return utils.SendError(c, fiber.StatusConflict, "vote is not active")
		case errors.Is(err, service.ErrUnknownOption):
			return utils.SendError(c, fiber.StatusNotFound, "unknown option")
		default:
			h.logger.Error().Err(err).Uint("vote_id", voteID).Msg("option kill failed")
			return utils.SendError(c, fiber.StatusInternalServerError, "failed to update option")
		}
	}
	return utils.SendSuccess(c, "option updated", nil)
}

// requireAuthor resolves the vote's channel and checks the caller authored
// the owning story. It writes the error response itself; callers return its
// error unchanged.
func (h *VoteHandler) requireAuthor(c *fiber.Ctx) (uint, error) {
	voteID, err := paramUint(c, "vote_id")
	if err != nil {
		return 0, utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	userID, ok := c.Locals("user_id").(uint)
	if !ok {
		return 0, utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	state, err := h.votes.RenderState(c.UserContext(), voteID, middleware.ActorFromCtx(c), false)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, utils.SendError(c, fiber.StatusNotFound, "vote not found")
		}
		h.logger.Error().Err(err).Uint("vote_id", voteID).Msg("vote lookup failed")
		return 0, utils.SendError(c, fiber.StatusInternalServerError, "failed to load vote")
	}

	author, err := h.channels.IsStoryAuthor(c.UserContext(), state.ChannelID, userID)
	if err != nil {
		return 0, utils.SendError(c, fiber.StatusInternalServerError, "failed to check authorization")
	}
	if !author {
		return 0, utils.SendError(c, fiber.StatusForbidden, "story author required")
	}

	return voteID, nil
}

func paramUint(c *fiber.Ctx, name string) (uint, error) {
	value, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || value == 0 {
		return 0, errors.New("invalid " + name)
	}
	return uint(value), nil
}
