package gateway

import (
	"log/slog"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/3D-Smile-Solutions/omnidentai-crm-sub000/internal/chat"
)

// API exposes the gateway surface the sync engine depends on: the
// realtime endpoint, the REST fallback calls, history, inbox previews and
// the patient ingress webhook.
type API struct {
	hub *Hub
	log *slog.Logger
}

func NewAPI(hub *Hub, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{hub: hub, log: logger}
}

// Register mounts the routes on a Fiber app.
func (a *API) Register(app *fiber.App) {
	app.Use("/api/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		staffID := bearer(c)
		if staffID == "" {
			return fiber.ErrUnauthorized
		}
		c.Locals("staff_id", staffID)
		c.Locals("staff_label", c.Query("label"))
		return c.Next()
	})
	app.Get("/api/ws", websocket.New(a.handleWS))

	app.Post("/api/messages", a.requireAuth(a.sendMessage))
	app.Post("/api/messages/read", a.requireAuth(a.markRead))
	app.Get("/api/conversations", a.requireAuth(a.listConversations))
	app.Get("/api/conversations/:id/messages", a.requireAuth(a.history))
	app.Post("/api/webhooks/patient-message", a.patientMessage)
}

func (a *API) handleWS(c *websocket.Conn) {
	staffID, _ := c.Locals("staff_id").(string)
	label, _ := c.Locals("staff_label").(string)
	peer := &Peer{ID: staffID, Label: label, Conn: c, Send: make(chan []byte, 16)}
	a.hub.Register(peer)
	go peer.WritePump()
	peer.ReadPump(a.hub)
}

// sendMessage is the REST fallback delivery path. It mirrors the
// send_message realtime event and responds with the canonical message.
func (a *API) sendMessage(c *fiber.Ctx) error {
	var payload chat.SendMessagePayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"reason": "malformed request body"})
	}
	msg, reason := a.hub.StaffMessage(bearer(c), payload)
	if reason != "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"reason": reason})
	}
	a.hub.broadcastAll(chat.EventNewMessage, msg, bearer(c))
	return c.Status(fiber.StatusCreated).JSON(msg)
}

func (a *API) markRead(c *fiber.Ctx) error {
	var payload chat.MarkReadPayload
	if err := c.BodyParser(&payload); err != nil || payload.ConversationID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"reason": "missing conversation id"})
	}
	a.hub.MarkRead(payload.ConversationID, bearer(c))
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *API) listConversations(c *fiber.Ctx) error {
	return c.JSON(a.hub.Previews())
}

func (a *API) history(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"reason": "missing conversation id"})
	}
	return c.JSON(a.hub.History(id))
}

// patientMessage is the ingress webhook for patient-originated traffic
// (SMS provider, webchat widget, call transcription).
func (a *API) patientMessage(c *fiber.Ctx) error {
	var payload struct {
		ConversationID string       `json:"conversation_id"`
		Content        string       `json:"content"`
		Channel        chat.Channel `json:"channel"`
	}
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"reason": "malformed request body"})
	}
	msg, err := a.hub.PatientMessage(payload.ConversationID, payload.Content, payload.Channel)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"reason": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

func (a *API) requireAuth(h fiber.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if bearer(c) == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"reason": "authentication required"})
		}
		return h(c)
	}
}

// bearer resolves the opaque staff credential from the Authorization
// header or, for websocket upgrades, the token query parameter. Token
// introspection belongs to the auth collaborator; the gateway treats the
// credential as the staff identity.
func bearer(c *fiber.Ctx) string {
	if auth := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(c.Query("token"))
}
