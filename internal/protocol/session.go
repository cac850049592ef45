package protocol

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/squirreldb/squirreldb/internal/backend"
	"github.com/squirreldb/squirreldb/internal/logger"
	"github.com/squirreldb/squirreldb/internal/query"
	"github.com/squirreldb/squirreldb/internal/ratelimit"
	"github.com/squirreldb/squirreldb/internal/sqrlerr"
	"github.com/squirreldb/squirreldb/internal/subscriptions"
)

// Deps are the subsystems every stateful (WebSocket/TCP) connection
// handler shares; constructed once at daemon startup and handed to each
// new Session.
type Deps struct {
	Engine       *query.Engine
	Backend      backend.Backend
	Subs         *subscriptions.Manager
	Sem          *ratelimit.QuerySemaphore
	QueryTimeout time.Duration
	Log          logger.Logger
}

// Session is the per-connection dispatcher shared by the WebSocket and
// framed-TCP front ends (spec §4.5: "the framed TCP handler calls the same
// query.ParseInput used by the other two"). REST handlers call the
// underlying subsystems directly instead, since REST has no persistent
// connection state to track.
type Session struct {
	deps     *Deps
	ClientID uuid.UUID
	Project  uuid.UUID
	IsAdmin  bool
}

// NewSession starts a session scoped to project (the default project until
// a successful Auth or SelectProject changes it).
func NewSession(deps *Deps, clientID uuid.UUID) *Session {
	return &Session{deps: deps, ClientID: clientID, Project: backend.DefaultProjectID}
}

// Handle dispatches one decoded ClientMessage and returns the single
// synchronous ServerMessage reply. Change notifications are delivered out
// of band, over the channel the caller obtained from
// deps.Subs.RegisterClient, not through this method's return value.
func (s *Session) Handle(ctx context.Context, msg ClientMessage) ServerMessage {
	switch msg.Type {
	case CQuery:
		return s.handleQuery(ctx, msg)
	case CSubscribe:
		return s.handleSubscribe(ctx, msg)
	case CUnsubscribe:
		return s.handleUnsubscribe(ctx, msg)
	case CInsert:
		return s.handleInsert(ctx, msg)
	case CUpdate:
		return s.handleUpdate(ctx, msg)
	case CDelete:
		return s.handleDelete(ctx, msg)
	case CListCollections:
		return s.handleListCollections(ctx, msg)
	case CListProjects:
		return s.handleListProjects(ctx, msg)
	case CSelectProject:
		return s.handleSelectProject(msg)
	case CPing:
		return ServerMessage{Type: SPong, ID: msg.ID}
	default:
		return errorMessage(msg.ID, sqrlerr.New(sqrlerr.BadRequest, "unknown message type"))
	}
}

func (s *Session) handleQuery(ctx context.Context, msg ClientMessage) ServerMessage {
	guard, ok := s.deps.Sem.Acquire(s.ClientID)
	if !ok {
		return errorMessage(msg.ID, sqrlerr.New(sqrlerr.RateLimited, "too many concurrent queries for this client"))
	}
	defer guard.Release()

	var docs []*backend.Document

	err := ratelimit.WithQueryTimeout(ctx, s.deps.QueryTimeout, func(ctx context.Context) error {
		var err error
		docs, err = s.deps.Engine.Execute(ctx, s.Project, msg.Query.ToRaw())
		return err
	})
	if err != nil {
		return errorMessage(msg.ID, err)
	}

	out := make([]any, len(docs))
	for i, d := range docs {
		out[i] = d
	}

	return Result(msg.ID, out)
}

func (s *Session) handleSubscribe(ctx context.Context, msg ClientMessage) ServerMessage {
	spec, err := s.deps.Engine.ParseInput(msg.Query.ToRaw())
	if err != nil {
		return errorMessage(msg.ID, err)
	}

	if err := s.deps.Subs.AddSubscription(ctx, s.ClientID, msg.SubscriptionID, spec); err != nil {
		return errorMessage(msg.ID, err)
	}

	return ServerMessage{Type: SSubscribed, ID: msg.ID, SubscriptionID: msg.SubscriptionID}
}

func (s *Session) handleUnsubscribe(ctx context.Context, msg ClientMessage) ServerMessage {
	if err := s.deps.Subs.RemoveSubscription(ctx, s.ClientID, msg.SubscriptionID); err != nil {
		return errorMessage(msg.ID, err)
	}

	return ServerMessage{Type: SUnsubscribed, ID: msg.ID, SubscriptionID: msg.SubscriptionID}
}

func (s *Session) handleInsert(ctx context.Context, msg ClientMessage) ServerMessage {
	doc, err := s.deps.Backend.Insert(ctx, s.Project, msg.Collection, msg.Data)
	if err != nil {
		return errorMessage(msg.ID, err)
	}

	return ResultOne(msg.ID, doc)
}

func (s *Session) handleUpdate(ctx context.Context, msg ClientMessage) ServerMessage {
	id, err := uuid.Parse(msg.DocumentID)
	if err != nil {
		return errorMessage(msg.ID, sqrlerr.Wrap(sqrlerr.BadRequest, "invalid document id", err))
	}

	doc, err := s.deps.Backend.Update(ctx, s.Project, msg.Collection, id, msg.Data)
	if err != nil {
		return errorMessage(msg.ID, err)
	}

	return ResultOne(msg.ID, doc)
}

func (s *Session) handleDelete(ctx context.Context, msg ClientMessage) ServerMessage {
	id, err := uuid.Parse(msg.DocumentID)
	if err != nil {
		return errorMessage(msg.ID, sqrlerr.Wrap(sqrlerr.BadRequest, "invalid document id", err))
	}

	doc, err := s.deps.Backend.Delete(ctx, s.Project, msg.Collection, id)
	if err != nil {
		return errorMessage(msg.ID, err)
	}

	return ResultOne(msg.ID, doc)
}

func (s *Session) handleListCollections(ctx context.Context, msg ClientMessage) ServerMessage {
	cols, err := s.deps.Backend.ListCollections(ctx, s.Project)
	if err != nil {
		return errorMessage(msg.ID, err)
	}

	return ServerMessage{Type: SResult, ID: msg.ID, Collections: cols}
}

// handleListProjects is admin-only: a scoped client only ever sees its own
// resolved project, which it already knows.
func (s *Session) handleListProjects(ctx context.Context, msg ClientMessage) ServerMessage {
	if !s.IsAdmin {
		return errorMessage(msg.ID, sqrlerr.New(sqrlerr.Forbidden, "list_projects requires the admin token"))
	}

	ids, err := s.deps.Backend.ListProjects(ctx)
	if err != nil {
		return errorMessage(msg.ID, err)
	}

	projects := make([]string, len(ids))
	for i, id := range ids {
		projects[i] = id.String()
	}

	return ServerMessage{Type: SResult, ID: msg.ID, Projects: projects}
}

func (s *Session) handleSelectProject(msg ClientMessage) ServerMessage {
	if !s.IsAdmin {
		return errorMessage(msg.ID, sqrlerr.New(sqrlerr.Forbidden, "select_project requires the admin token"))
	}

	id, err := uuid.Parse(msg.Project)
	if err != nil {
		return errorMessage(msg.ID, sqrlerr.Wrap(sqrlerr.BadRequest, "invalid project id", err))
	}

	s.Project = id

	return ServerMessage{Type: SProjectSelected, ID: msg.ID, Project: id.String()}
}

func errorMessage(id string, err error) ServerMessage {
	se := sqrlerr.As(err)
	return ErrorMessage(id, string(se.Kind), se.Message, se.RetryAfter)
}
