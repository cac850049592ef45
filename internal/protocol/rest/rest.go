// Package rest implements the thin REST mapping (spec §4.5.3) over
// insert/get/update/delete/list/list_collections plus a POST /query that
// delegates to the same pipeline every other protocol uses. REST bypasses
// per-client concurrent-query accounting (there is no persistent
// connection to track a client by) but is still subject to the per-IP
// token-bucket rate gate, applied as Fiber middleware ahead of every
// route. The per-IP connection gate is not applied to REST requests.
package rest

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/squirreldb/squirreldb/internal/backend"
	"github.com/squirreldb/squirreldb/internal/protocol"
	"github.com/squirreldb/squirreldb/internal/ratelimit"
	"github.com/squirreldb/squirreldb/internal/sqrlerr"
)

// Config configures the REST handlers beyond the shared protocol.Deps.
type Config struct {
	AuthEnabled bool
	AdminToken  string
	Bucket      *ratelimit.TokenBucket
}

// Handler wires protocol.Deps + Config into a set of Fiber routes.
type Handler struct {
	deps *protocol.Deps
	cfg  Config
}

func New(deps *protocol.Deps, cfg Config) *Handler {
	return &Handler{deps: deps, cfg: cfg}
}

// Register mounts every REST route onto app under prefix (e.g. "/v1").
func (h *Handler) Register(app *fiber.App, prefix string) {
	app.Use(prefix, h.rateLimitMiddleware, h.authMiddleware)

	app.Post(prefix+"/query", h.query)
	app.Post(prefix+"/:collection", h.insert)
	app.Get(prefix+"/:collection/:id", h.get)
	app.Patch(prefix+"/:collection/:id", h.update)
	app.Delete(prefix+"/:collection/:id", h.delete)
	app.Get(prefix+"/:collection", h.list)
	app.Get(prefix, h.listCollections)
}

func (h *Handler) rateLimitMiddleware(c *fiber.Ctx) error {
	if h.cfg.Bucket != nil && !h.cfg.Bucket.TryConsume(c.Context(), c.IP()) {
		return writeErr(c, sqrlerr.RateLimit("rate limit exceeded", 0))
	}

	return c.Next()
}

// authMiddleware resolves the Authorization bearer token (when auth is
// enabled) and stores the resolved project in Locals for handlers to read.
func (h *Handler) authMiddleware(c *fiber.Ctx) error {
	if !h.cfg.AuthEnabled {
		c.Locals("project", backend.DefaultProjectID)
		return c.Next()
	}

	token := bearerToken(c.Get("Authorization"))

	resolved, ok := protocol.Authenticate(c.Context(), h.deps.Backend, h.cfg.AdminToken, token)
	if !ok {
		return writeErr(c, sqrlerr.New(sqrlerr.Unauthorized, "invalid or missing token"))
	}

	project := backend.DefaultProjectID
	if resolved.ProjectID != nil {
		project = *resolved.ProjectID
	}

	c.Locals("project", project)
	c.Locals("is_admin", resolved.IsAdmin)

	return c.Next()
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}

	return header
}

func projectFrom(c *fiber.Ctx) uuid.UUID {
	if p, ok := c.Locals("project").(uuid.UUID); ok {
		return p
	}

	return backend.DefaultProjectID
}

func (h *Handler) insert(c *fiber.Ctx) error {
	collection := c.Params("collection")

	var data map[string]any
	if err := c.BodyParser(&data); err != nil {
		return writeErr(c, sqrlerr.Wrap(sqrlerr.BadRequest, "invalid JSON body", err))
	}

	doc, err := h.deps.Backend.Insert(c.Context(), projectFrom(c), collection, data)
	if err != nil {
		return writeErr(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(doc)
}

func (h *Handler) get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return writeErr(c, sqrlerr.Wrap(sqrlerr.BadRequest, "invalid document id", err))
	}

	doc, err := h.deps.Backend.Get(c.Context(), projectFrom(c), c.Params("collection"), id)
	if err != nil {
		return writeErr(c, err)
	}

	if doc == nil {
		return writeErr(c, sqrlerr.New(sqrlerr.NotFound, "document not found"))
	}

	return c.JSON(doc)
}

func (h *Handler) update(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return writeErr(c, sqrlerr.Wrap(sqrlerr.BadRequest, "invalid document id", err))
	}

	var data map[string]any
	if err := c.BodyParser(&data); err != nil {
		return writeErr(c, sqrlerr.Wrap(sqrlerr.BadRequest, "invalid JSON body", err))
	}

	doc, err := h.deps.Backend.Update(c.Context(), projectFrom(c), c.Params("collection"), id, data)
	if err != nil {
		return writeErr(c, err)
	}

	if doc == nil {
		return writeErr(c, sqrlerr.New(sqrlerr.NotFound, "document not found"))
	}

	return c.JSON(doc)
}

func (h *Handler) delete(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return writeErr(c, sqrlerr.Wrap(sqrlerr.BadRequest, "invalid document id", err))
	}

	doc, err := h.deps.Backend.Delete(c.Context(), projectFrom(c), c.Params("collection"), id)
	if err != nil {
		return writeErr(c, err)
	}

	if doc == nil {
		return writeErr(c, sqrlerr.New(sqrlerr.NotFound, "document not found"))
	}

	return c.JSON(doc)
}

// list supports an optional `?filter=` query parameter carrying the same
// QueryInput shape (script or structured JSON) the other protocols accept,
// so a caller can express more than "every document in a collection".
func (h *Handler) list(c *fiber.Ctx) error {
	if raw := c.Query("filter"); raw != "" {
		var docs []*backend.Document

		err := ratelimit.WithQueryTimeout(c.Context(), h.deps.QueryTimeout, func(ctx context.Context) error {
			var err error
			docs, err = h.deps.Engine.Execute(ctx, projectFrom(c), raw)
			return err
		})
		if err != nil {
			return writeErr(c, err)
		}

		return c.JSON(docs)
	}

	docs, err := h.deps.Backend.List(c.Context(), projectFrom(c), c.Params("collection"), nil, nil, nil, nil)
	if err != nil {
		return writeErr(c, err)
	}

	return c.JSON(docs)
}

func (h *Handler) listCollections(c *fiber.Ctx) error {
	cols, err := h.deps.Backend.ListCollections(c.Context(), projectFrom(c))
	if err != nil {
		return writeErr(c, err)
	}

	return c.JSON(cols)
}

// query handles POST /query: a script query delegated straight to the
// pipeline, under the configured query timeout (spec §4.5.3).
func (h *Handler) query(c *fiber.Ctx) error {
	var body struct {
		Query string `json:"query"`
	}

	if err := c.BodyParser(&body); err != nil {
		return writeErr(c, sqrlerr.Wrap(sqrlerr.BadRequest, "invalid JSON body", err))
	}

	var docs []*backend.Document

	err := ratelimit.WithQueryTimeout(c.Context(), h.deps.QueryTimeout, func(ctx context.Context) error {
		var err error
		docs, err = h.deps.Engine.Execute(ctx, projectFrom(c), body.Query)
		return err
	})
	if err != nil {
		return writeErr(c, err)
	}

	return c.JSON(docs)
}

func writeErr(c *fiber.Ctx, err error) error {
	se := sqrlerr.As(err)

	status := fiber.StatusInternalServerError

	switch se.Kind {
	case sqrlerr.BadRequest:
		status = fiber.StatusBadRequest
	case sqrlerr.NotFound:
		status = fiber.StatusNotFound
	case sqrlerr.Unauthorized:
		status = fiber.StatusUnauthorized
	case sqrlerr.Forbidden:
		status = fiber.StatusForbidden
	case sqrlerr.RateLimited:
		status = fiber.StatusTooManyRequests
	case sqrlerr.Timeout:
		status = fiber.StatusGatewayTimeout
	case sqrlerr.Conflict:
		status = fiber.StatusConflict
	}

	return c.Status(status).JSON(fiber.Map{
		"code":        string(se.Kind),
		"message":     se.Message,
		"retry_after": se.RetryAfter,
	})
}
