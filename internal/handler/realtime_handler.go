package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/fablehost/fable-api/internal/dto"
	"github.com/fablehost/fable-api/internal/identity"
	"github.com/fablehost/fable-api/internal/middleware"
	"github.com/fablehost/fable-api/internal/observability"
	"github.com/fablehost/fable-api/internal/realtime"
	"github.com/fablehost/fable-api/internal/repository"
	"github.com/fablehost/fable-api/internal/service"
)

// RealtimeHandler owns the websocket surface: channel join, the downsender
// that drains fanout deliveries to the socket, and the dispatch of inbound
// client frames to the chat and vote services.
type RealtimeHandler struct {
	fanout      *realtime.Fanout
	chat        service.ChatService
	votes       service.VoteService
	channels    repository.ChannelRepository
	idleTimeout time.Duration
	logger      zerolog.Logger
}

// NewRealtimeHandler creates the websocket handler.
func NewRealtimeHandler(fanout *realtime.Fanout, chat service.ChatService, votes service.VoteService, channels repository.ChannelRepository, idleTimeout time.Duration, logger zerolog.Logger) *RealtimeHandler {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	return &RealtimeHandler{
		fanout:      fanout,
		chat:        chat,
		votes:       votes,
		channels:    channels,
		idleTimeout: idleTimeout,
		logger:      logger.With().Str("component", "realtime_handler").Logger(),
	}
}

// Register binds the websocket route under the provided router group.
func (h *RealtimeHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			ctx := c.UserContext()
			if ctx == nil {
				ctx = context.Background()
			}
			c.Locals("request_ctx", ctx)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/ws", websocket.New(h.handleConnection))
}

// wsConn serializes writes: the downsender and the reader's error replies
// share one socket.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) writeText(payload string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

func (w *wsConn) writePing() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (h *RealtimeHandler) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	channelID, err := parseChannelID(conn.Query("channel_id"))
	if err != nil {
		h.reject(conn, websocket.ClosePolicyViolation, "channel_id required")
		return
	}

	actor, _ := conn.Locals("actor").(identity.Actor)
	if actor.IsZero() {
		h.reject(conn, websocket.ClosePolicyViolation, "identity required")
		return
	}

	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	if err := h.authorizeJoin(ctx, channelID, actor); err != nil {
		h.reject(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}

	sub := h.fanout.Subscribe(
		realtime.ChannelKey(channelID),
		realtime.ActorKey(actor.CacheKey()),
		realtime.NewConnKey(),
	)
	defer sub.Close()

	observability.RealtimeConnections().Inc()
	defer observability.RealtimeConnections().Dec()

	log := h.logger.With().
		Uint("channel_id", channelID).
		Str("actor", actor.CacheKey()).
		Str("correlation_id", middleware.CorrelationIDFromContext(baseCtx)).
		Logger()
	log.Info().Msg("realtime connection opened")
	defer log.Info().Msg("realtime connection closed")

	socket := &wsConn{conn: conn}

	if err := h.sendBacklog(ctx, socket, channelID, actor); err != nil {
		log.Warn().Err(err).Msg("failed to send join backlog")
	}

	go h.downsender(ctx, cancel, socket, sub, log)

	userName, _ := conn.Locals("user_name").(string)
	h.readLoop(ctx, conn, socket, channelID, actor, userName, log)
}

// authorizeJoin gates private channels: only the owning story's author may
// join them.
func (h *RealtimeHandler) authorizeJoin(ctx context.Context, channelID uint, actor identity.Actor) error {
	channel, err := h.channels.Get(ctx, channelID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.New("unknown channel")
		}
		return err
	}
	if !channel.Private {
		return nil
	}

	if actor.Kind() != identity.Registered {
		return errors.New("channel is private")
	}
	author, err := h.channels.IsStoryAuthor(ctx, channelID, actor.UserID())
	if err != nil {
		return err
	}
	if !author {
		return errors.New("channel is private")
	}
	return nil
}

func (h *RealtimeHandler) sendBacklog(ctx context.Context, socket *wsConn, channelID uint, actor identity.Actor) error {
	messages, err := h.chat.Recent(ctx, channelID)
	if err != nil {
		return err
	}

	voteIDs, err := h.votes.ActiveVoteIDs(ctx, channelID)
	if err != nil {
		return err
	}
	snapshots := make([]dto.VoteSnapshot, 0, len(voteIDs))
	for _, voteID := range voteIDs {
		snapshot, err := h.votes.RenderState(ctx, voteID, actor, false)
		if err != nil {
			h.logger.Warn().Err(err).Uint("vote_id", voteID).Msg("skipping vote in backlog")
			continue
		}
		snapshots = append(snapshots, snapshot)
	}

	payload, err := dto.EncodeEvent(dto.EventBacklog, dto.Backlog{
		ChannelID: channelID,
		Messages:  messages,
		Votes:     snapshots,
	})
	if err != nil {
		return err
	}
	return socket.writeText(payload)
}

// downsender drains fanout deliveries into the socket, pinging on idle so
// half-dead connections are detected.
func (h *RealtimeHandler) downsender(ctx context.Context, cancel context.CancelFunc, socket *wsConn, sub *realtime.Subscription, log zerolog.Logger) {
	defer cancel()

	for {
		delivery, err := sub.Next(ctx, h.idleTimeout)
		switch {
		case errors.Is(err, realtime.ErrIdle):
			if err := socket.writePing(); err != nil {
				return
			}
			continue
		case err != nil:
			return
		}

		if err := socket.writeText(delivery.Value); err != nil {
			log.Debug().Err(err).Msg("downsender write failed")
			return
		}
	}
}

type clientFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (h *RealtimeHandler) readLoop(ctx context.Context, conn *websocket.Conn, socket *wsConn, channelID uint, actor identity.Actor, userName string, log zerolog.Logger) {
	handlers := map[string]func(context.Context, json.RawMessage) error{
		"chat_msg": func(ctx context.Context, data json.RawMessage) error {
			var req dto.ChatSendRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return err
			}
			// Frames act on the joined channel only.
			req.ChannelID = channelID
			_, _, err := h.chat.Append(ctx, req, actor, userName)
			return err
		},
		"vote": func(ctx context.Context, data json.RawMessage) error {
			var req dto.VoteCastRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return err
			}
			_, err := h.votes.Cast(ctx, req.VoteID, req.EntryID, actor)
			return err
		},
		"unvote": func(ctx context.Context, data json.RawMessage) error {
			var req dto.VoteCastRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return err
			}
			_, err := h.votes.Retract(ctx, req.VoteID, req.EntryID, actor)
			return err
		},
		"add_writein": func(ctx context.Context, data json.RawMessage) error {
			var req dto.WriteinRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return err
			}
			_, err := h.votes.AddWritein(ctx, req.VoteID, req.Text, actor)
			return err
		},
	}

	for {
		if ctx.Err() != nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.sendError(socket, "frame", "malformed frame")
			continue
		}

		handle, ok := handlers[frame.Type]
		if !ok {
			h.sendError(socket, frame.Type, "unknown frame type")
			continue
		}

		if err := handle(ctx, frame.Data); err != nil {
			log.Debug().Err(err).Str("frame", frame.Type).Msg("client frame rejected")
			h.sendError(socket, frame.Type, err.Error())
		}
	}
}

func (h *RealtimeHandler) sendError(socket *wsConn, op, reason string) {
	payload, err := dto.EncodeEvent(dto.EventError, dto.ErrorNotice{Op: op, Reason: reason})
	if err != nil {
		return
	}
	_ = socket.writeText(payload)
}

func (h *RealtimeHandler) reject(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func parseChannelID(raw string) (uint, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || value == 0 {
		return 0, errors.New("invalid channel_id")
	}
	return uint(value), nil
}
