// Package hub fans events out to in-process subscribers keyed by tenant scope
// and channel.
//
// Publish is synchronous: handlers run on the publisher's goroutine in
// registration order, over a snapshot of the subscriber list taken under the
// lock. Handlers must not block; stream sessions only enqueue.
package hub

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/darkden-lab/relay/internal/logging"
	"github.com/darkden-lab/relay/internal/metrics"
)

// Channel separates notification traffic from chat traffic.
type Channel string

const (
	ChannelNotification Channel = "notification"
	ChannelChat         Channel = "chat"
)

// ScopeAll is the platform-operator scope. It receives every tenant's
// notifications but never chat events.
const ScopeAll = "all"

// TenantScope returns the scope key for a tenant.
func TenantScope(tenantID int64) string {
	return strconv.FormatInt(tenantID, 10)
}

// Event is delivered to handlers. Data is the JSON encoding of the published
// payload, marshalled once per publish.
type Event struct {
	Channel Channel
	Scope   string
	Data    json.RawMessage
}

// Handler receives events for one subscription.
type Handler func(Event)

// Subscription is a live registration in the hub.
type Subscription struct {
	ID        string
	Scope     string
	Channel   Channel
	CreatedAt time.Time

	handler Handler
	active  atomic.Bool
	hub     *Hub
}

// Close removes the subscription from its hub. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}

type subKey struct {
	scope   string
	channel Channel
}

// Hub is safe for concurrent use. Construct one per process and inject it.
type Hub struct {
	mu     sync.RWMutex
	subs   map[subKey][]*Subscription
	logger zerolog.Logger
}

func New() *Hub {
	return &Hub{
		subs:   make(map[subKey][]*Subscription),
		logger: logging.With().Str("component", "hub").Logger(),
	}
}

// Subscribe registers handler for events published to (scope, channel).
func (h *Hub) Subscribe(scope string, channel Channel, handler Handler) *Subscription {
	sub := &Subscription{
		ID:        uuid.NewString(),
		Scope:     scope,
		Channel:   channel,
		CreatedAt: time.Now(),
		handler:   handler,
		hub:       h,
	}
	sub.active.Store(true)

	key := subKey{scope: scope, channel: channel}
	h.mu.Lock()
	// Copy on write so snapshots held by in-flight publishes stay valid.
	current := h.subs[key]
	next := make([]*Subscription, len(current), len(current)+1)
	copy(next, current)
	h.subs[key] = append(next, sub)
	h.mu.Unlock()

	h.logger.Debug().
		Str("subscription", sub.ID).
		Str("scope", scope).
		Str("channel", string(channel)).
		Msg("subscribed")
	return sub
}

// Unsubscribe removes sub. Unknown or already removed subscriptions are a
// no-op. No Publish that starts after Unsubscribe returns invokes the
// handler; a Publish already dispatching may still deliver one last event.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.active.CompareAndSwap(true, false) {
		return
	}

	key := subKey{scope: sub.Scope, channel: sub.Channel}
	h.mu.Lock()
	current := h.subs[key]
	next := make([]*Subscription, 0, len(current))
	for _, s := range current {
		if s != sub {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(h.subs, key)
	} else {
		h.subs[key] = next
	}
	h.mu.Unlock()

	h.logger.Debug().Str("subscription", sub.ID).Msg("unsubscribed")
}

// Publish delivers payload to every subscriber of (scope, channel) and returns
// how many handlers were invoked. A panicking handler is logged and skipped.
func (h *Hub) Publish(scope string, channel Channel, payload interface{}) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", channel, err)
	}
	return h.publishRaw(scope, channel, data), nil
}

func (h *Hub) publishRaw(scope string, channel Channel, data json.RawMessage) int {
	h.mu.RLock()
	snapshot := h.subs[subKey{scope: scope, channel: channel}]
	h.mu.RUnlock()

	metrics.HubPublished.WithLabelValues(string(channel)).Inc()

	ev := Event{Channel: channel, Scope: scope, Data: data}
	delivered := 0
	for _, sub := range snapshot {
		if !sub.active.Load() {
			continue
		}
		if h.invoke(sub, ev) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) invoke(sub *Subscription, ev Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HubHandlerPanics.Inc()
			h.logger.Error().
				Interface("panic", r).
				Str("subscription", sub.ID).
				Str("scope", sub.Scope).
				Str("channel", string(sub.Channel)).
				Msg("subscriber handler panicked")
			ok = false
		}
	}()
	sub.handler(ev)
	return true
}

// PublishNotification sends a notification to the tenant's sessions and to
// platform operators.
func (h *Hub) PublishNotification(tenantID int64, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	h.publishRaw(TenantScope(tenantID), ChannelNotification, data)
	h.publishRaw(ScopeAll, ChannelNotification, data)
	return nil
}

// PublishChat sends a chat change to the tenant's sessions only.
func (h *Hub) PublishChat(tenantID int64, payload interface{}) error {
	_, err := h.Publish(TenantScope(tenantID), ChannelChat, payload)
	return err
}

// Count returns the number of live subscriptions on (scope, channel).
func (h *Hub) Count(scope string, channel Channel) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[subKey{scope: scope, channel: channel}])
}

// Stats reports live subscriptions per channel.
func (h *Hub) Stats() map[Channel]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := map[Channel]int{}
	for k, subs := range h.subs {
		out[k.channel] += len(subs)
	}
	return out
}
