// Package daemon composes every subsystem into a runnable service: the
// AppState holds the shared handles (config, logger, backend, query
// engine, feature registry) that every protocol front end and feature
// depends on, grounded on the teacher's bootstrap.Service/AppState
// composition pattern but built around SquirrelDB's own subsystems.
package daemon

import (
	"github.com/squirreldb/squirreldb/internal/backend"
	"github.com/squirreldb/squirreldb/internal/config"
	"github.com/squirreldb/squirreldb/internal/features"
	"github.com/squirreldb/squirreldb/internal/logger"
	"github.com/squirreldb/squirreldb/internal/query"
	"github.com/squirreldb/squirreldb/internal/ratelimit"
	"github.com/squirreldb/squirreldb/internal/subscriptions"
)

// AppState is the process-wide set of live handles threaded into every
// protocol front end and feature at startup, passed explicitly rather
// than reached through package-level globals.
type AppState struct {
	Config   *config.Config
	Log      logger.Logger
	Backend  backend.Backend
	Engine   *query.Engine
	Subs     *subscriptions.Manager
	Gate     *ratelimit.ConnectionGate
	Bucket   *ratelimit.TokenBucket
	Sem      *ratelimit.QuerySemaphore
	Features *features.Registry
}
