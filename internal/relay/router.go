// Package relay routes envelopes between nodes and browser sessions. The
// Directory records channel membership, the Router fans envelopes out to the
// connections joined to a group key.
package relay

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrClosed is returned when delivering to a closed subscriber.
var ErrClosed = errors.New("subscriber closed")

// Subscriber receives envelopes published to the groups it joined. Deliver
// must preserve call order.
type Subscriber interface {
	Deliver(ctx context.Context, env Envelope) error
}

// RouterStats reports router counters.
type RouterStats struct {
	Groups    int   `json:"groups"`
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

// Router is an in-process publish/subscribe fabric keyed by group name.
type Router struct {
	mu     sync.RWMutex
	groups map[string]map[Subscriber]struct{}
	logger *zap.Logger

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewRouter creates an empty Router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		groups: make(map[string]map[Subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe joins sub to a group. Joining twice is a no-op.
func (r *Router) Subscribe(key string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[key]
	if !ok {
		members = make(map[Subscriber]struct{})
		r.groups[key] = members
	}
	members[sub] = struct{}{}
}

// Unsubscribe removes sub from a group. Empty groups are dropped.
func (r *Router) Unsubscribe(key string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[key]
	if !ok {
		return
	}
	delete(members, sub)
	if len(members) == 0 {
		delete(r.groups, key)
	}
}

// Evict drops every member of a group and closes those that can be closed.
func (r *Router) Evict(key string) int {
	r.mu.Lock()
	members := r.groups[key]
	delete(r.groups, key)
	r.mu.Unlock()
	for sub := range members {
		if c, ok := sub.(interface{ Close() }); ok {
			c.Close()
		}
	}
	return len(members)
}

// Publish delivers env to every current member of the group and returns how
// many accepted it. Publishing to an empty group is not an error.
func (r *Router) Publish(ctx context.Context, key string, env Envelope) int {
	r.mu.RLock()
	members := make([]Subscriber, 0, len(r.groups[key]))
	for sub := range r.groups[key] {
		members = append(members, sub)
	}
	r.mu.RUnlock()

	r.published.Inc()
	n := 0
	for _, sub := range members {
		if err := sub.Deliver(ctx, env); err != nil {
			r.dropped.Inc()
			r.logger.Debug("delivery failed",
				zap.String("group", key),
				zap.String("request_type", env.RequestType),
				zap.Error(err))
			continue
		}
		n++
	}
	r.delivered.Add(int64(n))
	return n
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() RouterStats {
	r.mu.RLock()
	groups := len(r.groups)
	r.mu.RUnlock()
	return RouterStats{
		Groups:    groups,
		Published: r.published.Load(),
		Delivered: r.delivered.Load(),
		Dropped:   r.dropped.Load(),
	}
}
