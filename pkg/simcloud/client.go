// Package simcloud is the client for the SimCloud simulation-AI service.
//
// Long-running server-side jobs (predictions, post-processings, uploads,
// training builds) are mirrored locally as resources whose completion can be
// awaited, and kept current by a continuously-reconnecting push-event
// stream. Direct request/response calls and push events converge on one
// identity map per resource type, so a lookup always returns the same live
// instance an event updates.
package simcloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simcloud-ai/simcloud-go/pkg/auth"
	"github.com/simcloud-ai/simcloud-go/pkg/event"
	"github.com/simcloud-ai/simcloud-go/pkg/resource"
	"github.com/simcloud-ai/simcloud-go/pkg/sse"
)

// eventsEndpoint is the path of the push-event feed.
const eventsEndpoint = "/sessions/events"

// Config configures a Client.
type Config struct {
	// ServerURL is the base URL of the SimCloud API.
	ServerURL string

	// Tokens supplies bearer tokens for every request, including the event
	// subscription. Refresh is the provider's responsibility.
	Tokens auth.TokenSource

	// HTTPClient is used for all requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Logger is used for structured logging. Defaults to zap.NewNop().
	Logger *zap.Logger

	// DisableEvents skips starting the event stream. Resource state then
	// only changes through direct request/response calls. Used by unit
	// tests.
	DisableEvents bool

	// ReconnectDelay paces event feed reconnection attempts. Defaults to
	// sse.DefaultReconnectDelay.
	ReconnectDelay time.Duration
}

// Client talks to one SimCloud server. It owns one registry per resource
// type and the background event stream keeping them current. Safe for
// concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     auth.TokenSource
	logger     *zap.Logger

	// registries holds every per-type registry in a stable order for
	// WaitAll. byKind indexes the same registries for routing.
	registries []*resource.Registry
	byKind     map[event.TargetType]*resource.Registry

	router *event.Router
	stream *sse.Stream

	geometries        *GeometryDirectory
	predictions       *PredictionDirectory
	postProcessings   *PostProcessingDirectory
	trainingData      *TrainingDataDirectory
	trainingDataParts *TrainingDataPartDirectory
	models            *ModelDirectory
}

// NewClient creates a client and, unless disabled, starts the event stream.
// Call Close when done to stop the stream.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("simcloud: ServerURL is required")
	}
	parsed, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("simcloud: invalid ServerURL %q: %w", cfg.ServerURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("simcloud: ServerURL %q needs a scheme and host", cfg.ServerURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.ServerURL, "/"),
		httpClient: httpClient,
		tokens:     cfg.Tokens,
		logger:     logger,
		byKind:     make(map[event.TargetType]*resource.Registry),
		router:     event.NewRouter(logger),
	}

	c.addRegistry(event.TargetGeometry, resource.WithUploadTracking(),
		resource.WithFetcher(c.fetcher("geometries")))
	c.addRegistry(event.TargetPrediction,
		resource.WithFetcher(c.fetcher("predictions")))
	c.addRegistry(event.TargetPostProcessing,
		resource.WithFetcher(c.fetcher("post-processings")))
	c.addRegistry(event.TargetTrainingData,
		resource.WithFetcher(c.fetcher("training-data")))
	c.addRegistry(event.TargetTrainingDataPart, resource.WithUploadTracking(),
		resource.WithFetcher(c.fetcher("training-data-parts")))
	c.addRegistry(event.TargetModel,
		resource.WithFetcher(c.fetcher("models")))

	c.geometries = &GeometryDirectory{c.dir(event.TargetGeometry, "geometries")}
	c.predictions = &PredictionDirectory{c.dir(event.TargetPrediction, "predictions")}
	c.postProcessings = &PostProcessingDirectory{c.dir(event.TargetPostProcessing, "post-processings")}
	c.trainingData = &TrainingDataDirectory{c.dir(event.TargetTrainingData, "training-data")}
	c.trainingDataParts = &TrainingDataPartDirectory{c.dir(event.TargetTrainingDataPart, "training-data-parts")}
	c.models = &ModelDirectory{c.dir(event.TargetModel, "models")}

	if !cfg.DisableEvents {
		stream, err := sse.NewStream(sse.Config{
			URL:            c.baseURL + eventsEndpoint,
			HTTPClient:     httpClient,
			Tokens:         cfg.Tokens,
			Logger:         logger,
			ReconnectDelay: cfg.ReconnectDelay,
		}, c.handleEvent)
		if err != nil {
			return nil, fmt.Errorf("simcloud: create event stream: %w", err)
		}
		if err := stream.Start(); err != nil {
			return nil, fmt.Errorf("simcloud: start event stream: %w", err)
		}
		c.stream = stream
	}
	return c, nil
}

func (c *Client) addRegistry(kind event.TargetType, opts ...resource.RegistryOption) {
	opts = append(opts, resource.WithLogger(c.logger))
	reg := resource.NewRegistry(kind, opts...)
	c.registries = append(c.registries, reg)
	c.byKind[kind] = reg
	c.router.Register(kind, reg)
}

func (c *Client) dir(kind event.TargetType, path string) directory {
	return directory{c: c, reg: c.byKind[kind], path: path}
}

// handleEvent runs on the stream goroutine for every feed event. Envelopes
// that cannot be decoded are dropped after logging; a bug panicking inside
// the router or a state machine is fatal by design.
func (c *Client) handleEvent(ev sse.Event) {
	if len(ev.Data) == 0 {
		// Keepalive.
		return
	}
	env, err := event.Decode(ev.Data)
	if err != nil {
		c.logger.Debug("discarding undecodable event",
			zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	c.router.Route(env)
}

// Registry returns the identity map for one resource type, if the client
// has one.
func (c *Client) Registry(kind event.TargetType) (*resource.Registry, bool) {
	reg, ok := c.byKind[kind]
	return reg, ok
}

// Geometries accesses the geometries on the server.
func (c *Client) Geometries() *GeometryDirectory { return c.geometries }

// Predictions accesses the predictions on the server.
func (c *Client) Predictions() *PredictionDirectory { return c.predictions }

// PostProcessings accesses the post-processings on the server.
func (c *Client) PostProcessings() *PostProcessingDirectory { return c.postProcessings }

// TrainingData accesses the training data on the server.
func (c *Client) TrainingData() *TrainingDataDirectory { return c.trainingData }

// TrainingDataParts accesses the training data parts on the server.
func (c *Client) TrainingDataParts() *TrainingDataPartDirectory { return c.trainingDataParts }

// Models accesses the trained models on the server.
func (c *Client) Models() *ModelDirectory { return c.models }

// WaitAll blocks until every currently registered resource, across all
// resource types, reaches a terminal state.
//
// Failures do not short-circuit: every resource is waited on and all
// failures are collected, so the caller gets the complete picture of a
// batch. Exactly one failure is returned directly; several are joined into
// one error naming each failing resource. Context cancellation aborts the
// wait immediately.
func (c *Client) WaitAll(ctx context.Context) error {
	var errs []error
	for _, reg := range c.registries {
		for _, r := range reg.All() {
			if err := r.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return err
				}
				errs = append(errs, err)
			}
		}
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return errors.Join(errs...)
	}
}

// Cursor returns the event stream's last processed event id. Empty when
// events are disabled.
func (c *Client) Cursor() string {
	if c.stream == nil {
		return ""
	}
	return c.stream.Cursor()
}

// Close stops the event stream. It does not force-complete pending
// resources: a resource whose completion never arrives simply stays pending,
// which is the correct semantics for a client that stopped listening.
func (c *Client) Close() {
	if c.stream != nil {
		c.stream.Stop()
	}
}
