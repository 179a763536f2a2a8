package event

import (
	"go.uber.org/zap"
)

// Dispatcher receives envelopes addressed to one resource type. Implemented
// by resource.Registry.
type Dispatcher interface {
	Dispatch(env Envelope)
}

// Router is the single entry point for inbound envelopes. It resolves the
// envelope's target resource type and forwards the envelope to the matching
// registry.
//
// Register is not safe to call concurrently with Route. Wire all registries
// at construction time, before the event stream starts.
type Router struct {
	routes map[TargetType]Dispatcher
	logger *zap.Logger
}

// NewRouter creates a router with no registered dispatchers. A nil logger
// defaults to zap.NewNop().
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		routes: make(map[TargetType]Dispatcher),
		logger: logger,
	}
}

// Register binds a dispatcher to a resource type.
func (r *Router) Register(t TargetType, d Dispatcher) {
	r.routes[t] = d
}

// Route forwards one envelope to the dispatcher for its target type.
//
// Session events are logged and never routed. Envelopes whose kind or target
// type this client does not understand are logged at debug level and dropped:
// they are either a foreign session's activity or a forward-compatible
// protocol addition, not an error.
func (r *Router) Route(env Envelope) {
	switch env.Kind {
	case KindSession:
		r.logger.Info("session status update",
			zap.String("status", env.Status))
		return
	case KindJob, KindResource:
	default:
		r.logger.Debug("dropping event of unknown kind",
			zap.String("kind", string(env.Kind)))
		return
	}

	target := ParseTargetType(env.Target.Type)
	dispatcher, ok := r.routes[target]
	if target == TargetUnknown || !ok {
		r.logger.Debug("dropping event for unknown resource type",
			zap.String("target_type", env.Target.Type),
			zap.String("target_id", env.Target.ID))
		return
	}
	dispatcher.Dispatch(env)
}
