package handlers

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/pelusa-v/pelusa-chat/internal/relay"
)

type RelayHandlers struct {
	Manager *relay.Manager
}

// NewRelayApp wires the relay routes onto a fresh fiber app.
func NewRelayApp(m *relay.Manager) *fiber.App {
	h := &RelayHandlers{Manager: m}
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Use("/api/ws", RequireUpgrade)
	app.Get("/api/ws", websocket.New(h.ConnectHandler))
	app.Get("/api/clients", h.ShowClientsHandler) // ?exclude=nickOrId

	return app
}

// RequireUpgrade rejects plain HTTP requests on websocket routes.
func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// ConnectHandler GET /api/ws
func (h *RelayHandlers) ConnectHandler(c *websocket.Conn) {
	client := relay.NewClient(uuid.NewString(), c)
	if !h.Manager.Register(client) {
		return
	}

	// the conn is released when this handler returns, so wait for the writer
	written := make(chan struct{})
	go func() {
		client.WritePump()
		close(written)
	}()
	client.ReadPump(h.Manager)

	if !h.Manager.Unregister(client) {
		client.CloseSend()
	}
	<-written
}

// ShowClientsHandler GET /api/clients?exclude=nickOrId
func (h *RelayHandlers) ShowClientsHandler(c *fiber.Ctx) error {
	ex := c.Query("exclude")
	return c.JSON(h.Manager.ListClients(ex))
}
