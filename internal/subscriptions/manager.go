// Package subscriptions implements the live-query fan-out described in
// spec §4.3: clients register a (client, subscription-id, QuerySpec)
// triple; incoming Change events are matched against every subscription on
// the changed collection and re-published as per-subscription ChangeEvents
// on the client's outgoing channel.
package subscriptions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/squirreldb/squirreldb/internal/backend"
	"github.com/squirreldb/squirreldb/internal/jsrun"
	"github.com/squirreldb/squirreldb/internal/logger"
)

// defaultOutboxSize bounds each client's outgoing buffer; once full, new
// events are dropped rather than blocking the change-capture producer
// (spec §4.3, §6: "a slow subscriber ... is dropped ... rather than
// blocking producers").
const defaultOutboxSize = 256

// ChangeEvent is the payload delivered to a matched subscription.
type ChangeEvent struct {
	Operation backend.Operation
	New       map[string]any
	Old       map[string]any
}

// Event pairs a delivered ChangeEvent with the subscription id it matched,
// so a protocol sink can tag the outgoing frame.
type Event struct {
	SubscriptionID string
	Change         ChangeEvent
}

// Subscription is one live registration. Filter/Map carry the same JS
// source the query compiler produces; a Subscription keeps its own copy
// independent of whatever cache entry produced it.
type Subscription struct {
	ClientID   uuid.UUID
	ID         string
	Collection string
	Filter     *backend.FilterSpec
	Map        string
}

type clientSub struct {
	clientID uuid.UUID
	subID    string
}

// Manager holds per-client subscriptions, a collection index for O(S)
// fan-out, and the outgoing channel for each registered client (spec
// §4.3). Reads during fan-out are the hot path; a sync.RWMutex favors them
// over the comparatively rare add/remove calls.
type Manager struct {
	mu       sync.RWMutex
	subs     map[uuid.UUID]map[string]*Subscription
	index    map[string][]clientSub
	outboxes map[uuid.UUID]chan Event

	backend backend.Backend
	jsPool  *jsrun.Pool
	log     logger.Logger

	outboxSize int
}

// NewManager wires a backend (for the optional server-side filter mirror)
// and the shared JS runtime pool used to re-evaluate JS-sourced predicates
// against incoming changes.
func NewManager(b backend.Backend, pool *jsrun.Pool, log logger.Logger) *Manager {
	return &Manager{
		subs:       make(map[uuid.UUID]map[string]*Subscription),
		index:      make(map[string][]clientSub),
		outboxes:   make(map[uuid.UUID]chan Event),
		backend:    b,
		jsPool:     pool,
		log:        log,
		outboxSize: defaultOutboxSize,
	}
}

// RegisterClient allocates the client's outgoing channel, returning it for
// a protocol sink to drain. Calling it twice for the same client replaces
// the channel (the caller owns draining the old one, if any).
func (m *Manager) RegisterClient(clientID uuid.UUID) <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Event, m.outboxSize)
	m.outboxes[clientID] = ch

	return ch
}

// AddSubscription registers spec under clientID/subID, indexes it by
// collection, and — when the backend supports it and the filter compiled
// to SQL — mirrors it server-side as a forward-compatible optimization
// (spec §4.3; the mirror is not consumed by change delivery today, see
// DESIGN.md).
func (m *Manager) AddSubscription(ctx context.Context, clientID uuid.UUID, subID string, spec *backend.QuerySpec) error {
	sub := &Subscription{
		ClientID:   clientID,
		ID:         subID,
		Collection: spec.Table,
		Filter:     spec.Filter,
		Map:        spec.Map,
	}

	m.mu.Lock()
	if m.subs[clientID] == nil {
		m.subs[clientID] = make(map[string]*Subscription)
	}

	m.subs[clientID][subID] = sub
	m.index[sub.Collection] = append(m.index[sub.Collection], clientSub{clientID: clientID, subID: subID})
	m.mu.Unlock()

	if m.backend != nil && sub.Filter != nil && sub.Filter.CompiledSQL != nil {
		f := backend.SubscriptionFilter{
			ClientID:       clientID,
			SubscriptionID: subID,
			Collection:     sub.Collection,
			CompiledSQL:    sub.Filter.CompiledSQL.Where,
		}

		if err := m.backend.AddSubscriptionFilter(ctx, f); err != nil {
			m.log.Warnf("subscriptions: mirroring filter for %s/%s: %v", clientID, subID, err)
		}
	}

	return nil
}

// RemoveSubscription reverses AddSubscription in one critical section,
// clearing both the per-client map and the collection index.
func (m *Manager) RemoveSubscription(ctx context.Context, clientID uuid.UUID, subID string) error {
	m.mu.Lock()

	if byID, ok := m.subs[clientID]; ok {
		delete(byID, subID)

		if len(byID) == 0 {
			delete(m.subs, clientID)
		}
	}

	for collection, entries := range m.index {
		filtered := entries[:0]

		for _, e := range entries {
			if e.clientID == clientID && e.subID == subID {
				continue
			}

			filtered = append(filtered, e)
		}

		if len(filtered) == 0 {
			delete(m.index, collection)
		} else {
			m.index[collection] = filtered
		}
	}

	m.mu.Unlock()

	if m.backend != nil {
		if err := m.backend.RemoveSubscriptionFilter(ctx, clientID, subID); err != nil {
			m.log.Warnf("subscriptions: removing mirrored filter for %s/%s: %v", clientID, subID, err)
		}
	}

	return nil
}

// RemoveClient tears down every subscription owned by clientID and closes
// its outgoing channel, used on disconnect (spec §4.5).
func (m *Manager) RemoveClient(ctx context.Context, clientID uuid.UUID) error {
	m.mu.Lock()

	delete(m.subs, clientID)

	for collection, entries := range m.index {
		filtered := entries[:0]

		for _, e := range entries {
			if e.clientID != clientID {
				filtered = append(filtered, e)
			}
		}

		if len(filtered) == 0 {
			delete(m.index, collection)
		} else {
			m.index[collection] = filtered
		}
	}

	ch, hadOutbox := m.outboxes[clientID]
	delete(m.outboxes, clientID)

	m.mu.Unlock()

	if hadOutbox {
		close(ch)
	}

	if m.backend != nil {
		if err := m.backend.RemoveClientFilters(ctx, clientID); err != nil {
			m.log.Warnf("subscriptions: removing mirrored filters for %s: %v", clientID, err)
		}
	}

	return nil
}

// Run drains the backend's change broadcast until ctx is canceled,
// dispatching each Change to HandleChange.
func (m *Manager) Run(ctx context.Context) {
	changes, cancel := m.backend.SubscribeChanges()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}

			m.HandleChange(change)
		}
	}
}

// HandleChange looks up every subscription registered on change.Collection
// and, for each, re-evaluates its filter and delivers a matching Event to
// the owning client's outbox. Ordering contract: for a single subscription
// events are delivered in the order HandleChange is called, which the
// caller (Run) preserves from the backend's Change-id order; no ordering
// is promised across subscriptions (spec §4.3, §6).
func (m *Manager) HandleChange(change backend.Change) {
	m.mu.RLock()
	entries := append([]clientSub(nil), m.index[change.Collection]...)
	subsByClient := make(map[clientSub]*Subscription, len(entries))

	for _, e := range entries {
		if byID, ok := m.subs[e.clientID]; ok {
			subsByClient[e] = byID[e.subID]
		}
	}

	outboxes := make(map[uuid.UUID]chan Event, len(entries))
	for _, e := range entries {
		if ch, ok := m.outboxes[e.clientID]; ok {
			outboxes[e.clientID] = ch
		}
	}
	m.mu.RUnlock()

	for _, e := range entries {
		sub := subsByClient[e]
		if sub == nil {
			continue
		}

		matched, payload := m.matchAndBuild(sub, change)
		if !matched {
			continue
		}

		ch, ok := outboxes[e.clientID]
		if !ok {
			continue
		}

		select {
		case ch <- Event{SubscriptionID: sub.ID, Change: payload}:
		default:
			m.log.Warnf("subscriptions: dropping event for slow subscriber %s/%s", e.clientID, e.subID)
		}
	}
}

// matchAndBuild re-evaluates sub's filter against the appropriate side of
// change (new_data for Insert/Update, old_data for Delete), applies the
// subscription's map function on a match, and reports whether delivery
// should proceed.
func (m *Manager) matchAndBuild(sub *Subscription, change backend.Change) (bool, ChangeEvent) {
	data := change.NewData
	if change.Operation == backend.OpDelete {
		data = change.OldData
	}

	if matched := m.evaluateFilter(sub.Filter, change, data); !matched {
		return false, ChangeEvent{}
	}

	newData, oldData := change.NewData, change.OldData

	if sub.Map != "" {
		if data != nil {
			mapped, err := m.applyMap(sub.Map, change, data)
			if err != nil {
				m.log.Warnf("subscriptions: map function failed for %s/%s: %v", sub.ClientID, sub.ID, err)
				return false, ChangeEvent{}
			}

			if change.Operation == backend.OpDelete {
				oldData = mapped
			} else {
				newData = mapped
			}
		}
	}

	return true, ChangeEvent{Operation: change.Operation, New: newData, Old: oldData}
}

// evaluateFilter applies the matching rule from spec §4.3 / §9: every
// FilterSpec carries runnable JS (the script path compiles it directly;
// the structured path emits an equivalent alongside its CompiledSQL,
// since the server-side mirror registered in AddSubscription is
// advisory only — see DESIGN.md for why). Re-running that JS against the
// changed row, shallow-merged with its $id/$created_at/$updated_at
// metadata, is what actually decides whether a structured or script
// filter matches a live change; errors fail closed (no match).
func (m *Manager) evaluateFilter(f *backend.FilterSpec, change backend.Change, data map[string]any) bool {
	if f == nil {
		return true
	}

	if f.JSCode == "" {
		return true
	}

	expr := fmt.Sprintf("(%s)(__row)", f.JSCode)
	row := backend.MergeMetadata(data, change.DocumentID, change.ChangedAt, change.ChangedAt)

	ok, err := m.jsPool.EvalBool(expr, map[string]any{"__row": row})
	if err != nil {
		m.log.Warnf("subscriptions: filter evaluation error, failing closed: %v", err)
		return false
	}

	return ok
}

func (m *Manager) applyMap(fnSrc string, change backend.Change, data map[string]any) (map[string]any, error) {
	expr := fmt.Sprintf("(%s)(__row)", fnSrc)
	row := backend.MergeMetadata(data, change.DocumentID, change.ChangedAt, change.ChangedAt)

	v, err := m.jsPool.Eval(expr, map[string]any{"__row": row})
	if err != nil {
		return nil, err
	}

	mapped, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("subscriptions: map function must return an object")
	}

	return mapped, nil
}
