package daemon

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/squirreldb/squirreldb/internal/backend"
	"github.com/squirreldb/squirreldb/internal/protocol"
	"github.com/squirreldb/squirreldb/internal/protocol/rest"
	"github.com/squirreldb/squirreldb/internal/protocol/tcp"
	"github.com/squirreldb/squirreldb/internal/protocol/websocket"
)

// httpServer wraps the public Fiber app (REST + WebSocket) as a Feature,
// mirroring the teacher's UnifiedServer consolidating multiple APIs
// behind one Fiber instance and one listen address.
type httpServer struct {
	app       *fiber.App
	addr      string
	running   bool
	startedAt time.Time
}

// Version is the daemon's release version, set at build time via
// `-ldflags "-X .../daemon.Version=..."`; left at its default outside a
// release build.
var Version = "dev"

func newHTTPServer(state *AppState) *httpServer {
	startedAt := time.Now()

	app := fiber.New(fiber.Config{
		AppName:               "SquirrelDB",
		DisableStartupMessage: true,
	})

	app.Use(cors.New(cors.Config{AllowOrigins: joinOrigins(state.Config.Server.CORSOrigins)}))

	app.Get("/health", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	app.Get("/ready", func(c *fiber.Ctx) error {
		if _, err := state.Backend.ListCollections(c.Context(), backend.DefaultProjectID); err != nil {
			return c.SendStatus(fiber.StatusServiceUnavailable)
		}

		return c.SendStatus(fiber.StatusOK)
	})

	app.Get("/api/status", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"name":        "squirreldb",
			"version":     Version,
			"backend":     state.Config.Backend,
			"uptime_secs": int64(time.Since(startedAt).Seconds()),
		})
	})

	deps := &protocol.Deps{
		Engine:       state.Engine,
		Backend:      state.Backend,
		Subs:         state.Subs,
		Sem:          state.Sem,
		QueryTimeout: time.Duration(state.Config.Limits.QueryTimeoutMS) * time.Millisecond,
		Log:          state.Log,
	}

	if state.Config.Server.Protocols.REST {
		rest.New(deps, rest.Config{
			AuthEnabled: state.Config.Auth.Enabled,
			AdminToken:  state.Config.Auth.AdminToken,
			Bucket:      state.Bucket,
		}).Register(app, "/api")
	}

	if state.Config.Server.Protocols.WebSocket {
		websocket.New(deps, websocket.Config{
			AuthEnabled: state.Config.Auth.Enabled,
			AdminToken:  state.Config.Auth.AdminToken,
			Gate:        state.Gate,
			Bucket:      state.Bucket,
			Log:         state.Log,
		}).Register(app, "/ws")
	}

	addr := fmt.Sprintf("%s:%d", state.Config.Server.Host, state.Config.Server.Ports.HTTP)

	return &httpServer{app: app, addr: addr, startedAt: startedAt}
}

func (s *httpServer) Start(ctx context.Context) error {
	if s.running {
		return nil
	}

	s.running = true

	go func() {
		_ = s.app.Listen(s.addr)
	}()

	return nil
}

func (s *httpServer) Stop(ctx context.Context) error {
	if !s.running {
		return nil
	}

	s.running = false

	return s.app.ShutdownWithContext(ctx)
}

func (s *httpServer) IsRunning() bool { return s.running }

// tcpServer wraps the framed-binary front end (spec §4.5.2) as a Feature.
type tcpServer struct {
	listener *tcp.Listener
	addr     string
	ln       net.Listener
	running  bool
}

func newTCPServer(state *AppState) *tcpServer {
	deps := &protocol.Deps{
		Engine:       state.Engine,
		Backend:      state.Backend,
		Subs:         state.Subs,
		Sem:          state.Sem,
		QueryTimeout: time.Duration(state.Config.Limits.QueryTimeoutMS) * time.Millisecond,
		Log:          state.Log,
	}

	listener := tcp.New(deps, tcp.Config{
		AuthEnabled: state.Config.Auth.Enabled,
		AdminToken:  state.Config.Auth.AdminToken,
		Gate:        state.Gate,
		Bucket:      state.Bucket,
		Log:         state.Log,
	})

	addr := fmt.Sprintf("%s:%d", state.Config.Server.Host, state.Config.Server.Ports.TCP)

	return &tcpServer{listener: listener, addr: addr}
}

func (s *tcpServer) Start(ctx context.Context) error {
	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("daemon: listening on %s: %w", s.addr, err)
	}

	s.ln = ln
	s.running = true

	go func() {
		_ = s.listener.Serve(ctx, ln)
	}()

	return nil
}

func (s *tcpServer) Stop(ctx context.Context) error {
	if !s.running {
		return nil
	}

	s.running = false

	if s.ln != nil {
		return s.ln.Close()
	}

	return nil
}

func (s *tcpServer) IsRunning() bool { return s.running }

func joinOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}

	out := origins[0]
	for _, o := range origins[1:] {
		out += "," + o
	}

	return out
}
