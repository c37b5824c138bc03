package handler

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/fablehost/fable-api/internal/service"
	"github.com/fablehost/fable-api/internal/utils"
)

// ChatHandler exposes the read-only HTTP views over the chat buffer.
type ChatHandler struct {
	service service.ChatService
	logger  zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(service service.ChatService, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		service: service,
		logger:  logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Get("/history", h.history)
	router.Get("/thread", h.thread)
}

func (h *ChatHandler) history(c *fiber.Ctx) error {
	channelID, err := queryUint(c, "channel_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	messages, err := h.service.Recent(c.UserContext(), channelID)
	if err != nil {
		h.logger.Error().Err(err).Uint("channel_id", channelID).Msg("chat history failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load chat history")
	}

	return utils.SendSuccess(c, "chat history", messages)
}

func (h *ChatHandler) thread(c *fiber.Ctx) error {
	channelID, err := queryUint(c, "channel_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	rootID, err := queryUint(c, "root_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	messages, err := h.service.Thread(c.UserContext(), channelID, rootID)
	if err != nil {
		h.logger.Error().Err(err).Uint("root_id", rootID).Msg("chat thread failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load thread")
	}

	return utils.SendSuccess(c, "chat thread", messages)
}

func queryUint(c *fiber.Ctx, name string) (uint, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, errors.New(name + " required")
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || value == 0 {
		return 0, errors.New("invalid " + name)
	}
	return uint(value), nil
}
