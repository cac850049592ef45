// Package websocket implements the public JSON WebSocket front end (spec
// §4.5.1): one text frame per message, an optional Auth handshake, then a
// Session dispatching every subsequent frame while a second goroutine
// drains the client's subscription outbox.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/squirreldb/squirreldb/internal/logger"
	"github.com/squirreldb/squirreldb/internal/protocol"
	"github.com/squirreldb/squirreldb/internal/ratelimit"
	"github.com/squirreldb/squirreldb/internal/subscriptions"
)

// authHandshakeTimeout bounds how long the server waits for the first
// frame when auth is enabled (spec §4.5.1: "waits up to 30s").
const authHandshakeTimeout = 30 * time.Second

// Config configures the handler beyond the shared protocol.Deps.
type Config struct {
	AuthEnabled bool
	AdminToken  string
	Gate        *ratelimit.ConnectionGate
	Bucket      *ratelimit.TokenBucket
	Log         logger.Logger
}

// Handler wires protocol.Deps + Config into a fiber route handler.
type Handler struct {
	deps *protocol.Deps
	cfg  Config
}

func New(deps *protocol.Deps, cfg Config) *Handler {
	return &Handler{deps: deps, cfg: cfg}
}

// Register mounts the upgrade-gate middleware and the websocket route onto
// app at path.
func (h *Handler) Register(app *fiber.App, path string) {
	app.Use(path, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("ip", c.IP())
			return c.Next()
		}

		return fiber.ErrUpgradeRequired
	})

	app.Get(path, websocket.New(h.serve))
}

func (h *Handler) serve(conn *websocket.Conn) {
	ip, _ := conn.Locals("ip").(string)

	ctx := context.Background()
	var writeMu sync.Mutex

	if h.cfg.Gate != nil && !h.cfg.Gate.Acquire(ctx, ip) {
		h.write(conn, &writeMu, protocol.ServerMessage{Type: protocol.SError, Code: string(ratelimitKind), Message: "connection limit exceeded for this address"})
		return
	}

	if h.cfg.Gate != nil {
		defer h.cfg.Gate.Release(ctx, ip)
	}

	clientID := uuid.New()
	session := protocol.NewSession(h.deps, clientID)

	if h.cfg.AuthEnabled {
		if !h.handshake(conn, &writeMu, session) {
			return
		}
	}

	outbox := h.deps.Subs.RegisterClient(clientID)
	defer func() {
		_ = h.deps.Subs.RemoveClient(ctx, clientID)
	}()

	done := make(chan struct{})
	go h.pump(conn, &writeMu, outbox, done)
	defer close(done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if h.cfg.Bucket != nil && !h.cfg.Bucket.TryConsume(ctx, ip) {
			h.write(conn, &writeMu, protocol.ServerMessage{Type: protocol.SError, Code: string(ratelimitKind), Message: "rate limit exceeded"})
			continue
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.write(conn, &writeMu, protocol.ServerMessage{Type: protocol.SError, Message: "malformed message"})
			continue
		}

		reply := session.Handle(ctx, msg)
		h.write(conn, &writeMu, reply)
	}
}

// handshake waits for the first Auth frame and resolves it against the
// admin token and the API-token hash table, in that order (spec §4.5.1).
func (h *Handler) handshake(conn *websocket.Conn, writeMu *sync.Mutex, session *protocol.Session) bool {
	_ = conn.SetReadDeadline(time.Now().Add(authHandshakeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return false
	}

	var msg protocol.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != protocol.CAuth {
		h.write(conn, writeMu, protocol.ServerMessage{Type: protocol.SAuthFailure})
		return false
	}

	resolved, ok := protocol.Authenticate(context.Background(), h.deps.Backend, h.cfg.AdminToken, msg.Token)
	if !ok {
		h.write(conn, writeMu, protocol.ServerMessage{Type: protocol.SAuthFailure})
		return false
	}

	session.IsAdmin = resolved.IsAdmin
	if resolved.ProjectID != nil {
		session.Project = *resolved.ProjectID
	}

	project := "all"
	if !resolved.IsAdmin {
		project = session.Project.String()
	}

	h.write(conn, writeMu, protocol.ServerMessage{Type: protocol.SAuthSuccess, Project: project})

	return true
}

// ratelimitKind labels a rate/connection rejection in an Error frame; the
// handler builds these frames itself rather than from a sqrlerr value.
const ratelimitKind = "RateLimited"

// pump drains a client's subscription outbox onto the connection until
// done is closed, translating each subscriptions.Event into a Change
// frame (spec §4.3, §4.5.1).
func (h *Handler) pump(conn *websocket.Conn, writeMu *sync.Mutex, outbox <-chan subscriptions.Event, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-outbox:
			if !ok {
				return
			}

			h.write(conn, writeMu, protocol.ServerMessage{
				Type:           protocol.SChange,
				SubscriptionID: ev.SubscriptionID,
				Operation:      string(ev.Change.Operation),
				New:            ev.Change.New,
				Old:            ev.Change.Old,
			})
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, writeMu *sync.Mutex, msg protocol.ServerMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	_ = conn.WriteMessage(websocket.TextMessage, b)
}
