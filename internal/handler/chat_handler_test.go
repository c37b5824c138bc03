package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fablehost/fable-api/internal/dto"
	"github.com/fablehost/fable-api/internal/handler"
	"github.com/fablehost/fable-api/internal/identity"
)

type mockChatService struct {
	recent      []dto.ChatMessageResponse
	thread      []dto.ChatMessageResponse
	recentCalls []uint
	threadRoot  uint
	err         error
}

func (m *mockChatService) Append(context.Context, dto.ChatSendRequest, identity.Actor, string) (dto.ChatMessageResponse, bool, error) {
	return dto.ChatMessageResponse{}, false, nil
}

func (m *mockChatService) Recent(_ context.Context, channelID uint) ([]dto.ChatMessageResponse, error) {
	m.recentCalls = append(m.recentCalls, channelID)
	return m.recent, m.err
}

func (m *mockChatService) Thread(_ context.Context, _, rootID uint) ([]dto.ChatMessageResponse, error) {
	m.threadRoot = rootID
	return m.thread, m.err
}

func (m *mockChatService) RegisterAddress(context.Context, string) (string, error) { return "", nil }
func (m *mockChatService) Flush(context.Context) error                             { return nil }
func (m *mockChatService) FlushAddresses(context.Context) error                    { return nil }

func chatTestApp(svc *mockChatService) *fiber.App {
	app := fiber.New()
	group := app.Group("/api/v1/chat")
	handler.NewChatHandler(svc, zerolog.New(io.Discard)).Register(group)
	return app
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestChatHistory(t *testing.T) {
	svc := &mockChatService{recent: []dto.ChatMessageResponse{{Text: "hello", ChannelID: 3}}}
	app := chatTestApp(svc)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/chat/history?channel_id=3", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Success bool                      `json:"success"`
		Data    []dto.ChatMessageResponse `json:"data"`
	}
	decodeBody(t, resp, &body)
	require.True(t, body.Success)
	require.Len(t, body.Data, 1)
	require.Equal(t, "hello", body.Data[0].Text)
	require.Equal(t, []uint{3}, svc.recentCalls)
}

func TestChatHistoryRequiresChannel(t *testing.T) {
	app := chatTestApp(&mockChatService{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/chat/history", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/chat/history?channel_id=bogus", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestChatThread(t *testing.T) {
	svc := &mockChatService{thread: []dto.ChatMessageResponse{{Text: "root"}, {Text: "reply"}}}
	app := chatTestApp(svc)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/chat/thread?channel_id=3&root_id=17", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Data []dto.ChatMessageResponse `json:"data"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Data, 2)
	require.EqualValues(t, 17, svc.threadRoot)
}
