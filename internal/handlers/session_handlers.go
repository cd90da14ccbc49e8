package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/pelusa-v/pelusa-chat/internal/chat"
)

// Authenticator binds the relay connection to a user before the session
// starts for that user.
type Authenticator interface {
	Login(ctx context.Context, username string) error
}

type SessionHandlers struct {
	Session *chat.Session
	Auth    Authenticator
}

// NewSessionApp wires the view-layer API over s.
func NewSessionApp(s *chat.Session, auth Authenticator) *fiber.App {
	h := &SessionHandlers{Session: s, Auth: auth}
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/api/session", h.SessionHandler)
	app.Post("/api/session/login", h.LoginHandler) // ?nick=
	app.Post("/api/session/logout", h.LogoutHandler)

	app.Get("/api/threads", h.ThreadsHandler)
	app.Post("/api/threads/open", h.OpenThreadHandler) // ?nick=
	app.Post("/api/threads/clear", h.ClearSelectionHandler)
	app.Get("/api/threads/:nick/history", h.HistoryHandler)

	app.Post("/api/messages", h.SendMessageHandler) // {"content": "..."}
	app.Get("/api/presence", h.PresenceHandler)

	app.Use("/api/feed", RequireUpgrade)
	app.Get("/api/feed", websocket.New(h.FeedHandler))

	return app
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, chat.ErrInactive):
		return fiber.StatusUnauthorized
	case errors.Is(err, chat.ErrNoSelection), errors.Is(err, chat.ErrNotSelected):
		return fiber.StatusConflict
	case errors.Is(err, chat.ErrEmptyContent), errors.Is(err, chat.ErrInvalidUsername):
		return fiber.StatusBadRequest
	case errors.Is(err, chat.ErrDeliveryFailed), errors.Is(err, chat.ErrFetchFailed):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func sendError(c *fiber.Ctx, err error) error {
	return c.Status(errorStatus(err)).JSON(fiber.Map{"error": err.Error()})
}

// SessionHandler GET /api/session
func (h *SessionHandlers) SessionHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"user":      h.Session.User(),
		"active":    h.Session.Active(),
		"selection": h.Session.CurrentSelection(),
	})
}

// LoginHandler POST /api/session/login?nick=
func (h *SessionHandlers) LoginHandler(c *fiber.Ctx) error {
	nick := strings.TrimSpace(c.Query("nick"))
	if nick == "" {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	if h.Session.User() == nick {
		return c.SendStatus(fiber.StatusNoContent)
	}

	// 先释放旧用户的订阅，再切换 relay 身份
	h.Session.Stop()
	if h.Auth != nil {
		if err := h.Auth.Login(c.UserContext(), nick); err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
		}
	}
	if err := h.Session.Start(c.UserContext(), nick); err != nil {
		return sendError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// LogoutHandler POST /api/session/logout
func (h *SessionHandlers) LogoutHandler(c *fiber.Ctx) error {
	h.Session.Stop()
	return c.SendStatus(fiber.StatusNoContent)
}

// ThreadsHandler GET /api/threads
func (h *SessionHandlers) ThreadsHandler(c *fiber.Ctx) error {
	return c.JSON(h.Session.CurrentThreads())
}

// OpenThreadHandler POST /api/threads/open?nick=
func (h *SessionHandlers) OpenThreadHandler(c *fiber.Ctx) error {
	t, err := h.Session.OpenOrSelectThread(c.UserContext(), c.Query("nick"))
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(t)
}

// ClearSelectionHandler POST /api/threads/clear
func (h *SessionHandlers) ClearSelectionHandler(c *fiber.Ctx) error {
	h.Session.ClearSelection()
	return c.SendStatus(fiber.StatusNoContent)
}

// HistoryHandler GET /api/threads/:nick/history
func (h *SessionHandlers) HistoryHandler(c *fiber.Ctx) error {
	msgs, ok := h.Session.History(c.Params("nick"))
	if !ok {
		return c.SendStatus(fiber.StatusNotFound)
	}
	return c.JSON(msgs)
}

type sendRequest struct {
	Content string `json:"content"`
}

// SendMessageHandler POST /api/messages
func (h *SessionHandlers) SendMessageHandler(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	if err := h.Session.SendMessage(c.UserContext(), req.Content); err != nil {
		return sendError(c, err)
	}
	return c.SendStatus(fiber.StatusCreated)
}

// PresenceHandler GET /api/presence
func (h *SessionHandlers) PresenceHandler(c *fiber.Ctx) error {
	return c.JSON(h.Session.Presence())
}

type feedFrame struct {
	Update    chat.Update          `json:"update"`
	Selection chat.Selection       `json:"selection"`
	History   []chat.Message       `json:"history"`
	Threads   []chat.ThreadPreview `json:"threads"`
}

// FeedHandler GET /api/feed streams the selected thread on every update.
func (h *SessionHandlers) FeedHandler(c *websocket.Conn) {
	updates, cancel := h.Session.Watch()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()
	// the conn is released when this handler returns
	defer func() {
		c.Close()
		<-closed
	}()

	write := func(u chat.Update) bool {
		data, err := json.Marshal(&feedFrame{
			Update:    u,
			Selection: h.Session.CurrentSelection(),
			History:   h.Session.SelectedHistory(),
			Threads:   h.Session.CurrentThreads(),
		})
		if err != nil {
			return false
		}
		return c.WriteMessage(websocket.TextMessage, data) == nil
	}

	if !write(chat.Update{Kind: chat.UpdateSelection}) {
		return
	}
	for {
		select {
		case u, ok := <-updates:
			if !ok || !write(u) {
				return
			}
		case <-closed:
			return
		}
	}
}
