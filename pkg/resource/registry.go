package resource

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/simcloud-ai/simcloud-go/pkg/event"
)

// Fetcher retrieves the current full snapshot of one resource from the
// server. Wired in by the client's request layer so Reload can go through
// the same lookup path as a direct get.
type Fetcher func(ctx context.Context, id string) (map[string]any, error)

// Registry is the identity map for one resource type: the authoritative
// in-process mapping from server-assigned id to the single live Resource
// instance representing it.
//
// Entries are inserted only when a complete snapshot (one carrying an id)
// arrives, from a direct request or from an event's embedded record, and
// removed only by an explicit Remove. Failed resources stay registered and
// inspectable.
type Registry struct {
	kind       event.TargetType
	uploadable bool
	fetch      Fetcher
	logger     *zap.Logger

	mu    sync.RWMutex
	items map[string]*Resource
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used by the registry and its resources.
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(g *Registry) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithUploadTracking marks the registry's resource type as backed by a
// binary upload. Its resources track upload completion independently of the
// job lifecycle.
func WithUploadTracking() RegistryOption {
	return func(g *Registry) { g.uploadable = true }
}

// WithFetcher wires the direct-lookup path used by Resource.Reload.
func WithFetcher(fetch Fetcher) RegistryOption {
	return func(g *Registry) { g.fetch = fetch }
}

// NewRegistry creates an empty registry for one resource type.
func NewRegistry(kind event.TargetType, opts ...RegistryOption) *Registry {
	g := &Registry{
		kind:   kind,
		logger: zap.NewNop(),
		items:  make(map[string]*Resource),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Kind returns the resource type this registry owns.
func (g *Registry) Kind() event.TargetType { return g.kind }

// CreateOption configures resource construction in GetOrCreate.
type CreateOption func(*createOptions)

type createOptions struct {
	uploadPending bool
}

// UploadPending marks a newly created resource's upload as still in flight.
// Only meaningful on registries with upload tracking, and ignored when the
// id already has a live instance.
func UploadPending() CreateOption {
	return func(o *createOptions) { o.uploadPending = true }
}

// GetOrCreate returns the live instance for the snapshot's id, creating and
// registering it on first sight. If an instance already exists its fields
// are replaced with the snapshot and the same instance is returned - never a
// second instance for the same id.
//
// The snapshot must be complete: a snapshot without an id is rejected with
// ErrMissingID.
func (g *Registry) GetOrCreate(fields map[string]any, opts ...CreateOption) (*Resource, error) {
	id, _ := fields["id"].(string)
	if id == "" {
		return nil, ErrMissingID
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.items[id]; ok {
		r.setFields(fields)
		return r, nil
	}

	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	r := newResource(g, id, fields, o.uploadPending)
	g.items[id] = r
	return r, nil
}

// Get returns the live instance for id, if any.
func (g *Registry) Get(id string) (*Resource, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.items[id]
	return r, ok
}

// Remove deletes the registry entry for id and releases any blocked
// waiters with a neutral result: the object no longer exists to fail or
// succeed. Removing an unknown id is a no-op.
func (g *Registry) Remove(id string) {
	g.mu.Lock()
	r, ok := g.items[id]
	delete(g.items, id)
	g.mu.Unlock()
	if ok {
		r.release()
	}
}

// All returns the currently registered resources, in no particular order.
func (g *Registry) All() []*Resource {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Resource, 0, len(g.items))
	for _, r := range g.items {
		out = append(out, r)
	}
	return out
}

// Len returns the number of registered resources.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.items)
}

// Dispatch applies one envelope to the resource it targets. Envelopes for
// ids this registry never materialized are dropped silently: only resources
// created by this process are mirrored, and materializing objects for other
// sessions' activity would grow the registry without bound.
func (g *Registry) Dispatch(env event.Envelope) {
	g.mu.RLock()
	r, ok := g.items[env.Target.ID]
	g.mu.RUnlock()
	if !ok {
		g.logger.Debug("ignoring event for unknown resource",
			zap.String("kind", string(g.kind)),
			zap.String("id", env.Target.ID))
		return
	}

	switch env.Kind {
	case event.KindJob:
		r.applyJob(env)
	case event.KindResource:
		if r.upload == nil {
			g.logger.Error("resource event for type without upload tracking",
				zap.String("kind", string(g.kind)),
				zap.String("id", env.Target.ID))
			return
		}
		r.applyResource(env)
	default:
		g.logger.Error("event could not be interpreted",
			zap.String("kind", string(g.kind)),
			zap.String("id", env.Target.ID),
			zap.String("event_kind", string(env.Kind)))
	}
}
