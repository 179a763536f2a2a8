package sse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/simcloud-ai/simcloud-go/pkg/auth"
)

// DefaultReconnectDelay is the pause between subscription attempts when the
// server has not sent a retry hint.
const DefaultReconnectDelay = 3 * time.Second

// Handler consumes one decoded event. It runs on the stream's receive
// goroutine; a panic escaping the handler is deliberately not recovered. A
// client silently running without a functioning event pipeline would produce
// worse failures than a loud crash.
type Handler func(Event)

// Config configures a Stream.
type Config struct {
	// URL is the event feed endpoint.
	URL string

	// HTTPClient is used for the subscription. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Tokens supplies the bearer token for each subscription attempt.
	// Optional; no Authorization header is sent when nil.
	Tokens auth.TokenSource

	// Logger defaults to zap.NewNop().
	Logger *zap.Logger

	// ReconnectDelay paces subscription attempts. Defaults to
	// DefaultReconnectDelay; a server retry hint overrides it at runtime.
	ReconnectDelay time.Duration

	// MaxLineBytes caps a single wire-format line. Defaults to
	// DefaultMaxLineBytes.
	MaxLineBytes int

	// LastEventID seeds the resumption cursor, so a new stream can pick up
	// where a previous process left off. Empty starts from the live tail.
	LastEventID string
}

// Stream maintains exactly one open subscription to the event feed at a
// time, on one dedicated goroutine for the lifetime of the owning client.
//
// On any transport-level failure (connection drop, decode failure, end of
// stream) the subscription is closed and reopened from the last processed
// event id, with attempts paced by the reconnect delay. There is no retry
// limit: survivability of transient network failures is unconditional, and
// callers only ever observe a temporary absence of fresh updates.
type Stream struct {
	url        string
	httpClient *http.Client
	tokens     auth.TokenSource
	logger     *zap.Logger
	limiter    *rate.Limiter
	maxLine    int
	handler    Handler

	mu      sync.Mutex
	cursor  string
	started bool

	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewStream creates a stream. The handler is required; it receives every
// event delivered by the feed, in delivery order, one at a time.
func NewStream(cfg Config, handler Handler) (*Stream, error) {
	if cfg.URL == "" {
		return nil, errors.New("sse: URL is required")
	}
	if handler == nil {
		return nil, errors.New("sse: handler is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	return &Stream{
		url:        cfg.URL,
		httpClient: httpClient,
		tokens:     cfg.Tokens,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Every(delay), 1),
		maxLine:    cfg.MaxLineBytes,
		handler:    handler,
		cursor:     cfg.LastEventID,
		stopped:    make(chan struct{}),
	}, nil
}

// Start launches the receive goroutine. Calling Start twice is an error.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("sse: stream already started")
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
	return nil
}

// Stop cancels the subscription and waits for the receive goroutine to
// exit. Stopping only halts event consumption: resources still pending stay
// pending, because the client stopping to listen does not mean their jobs
// ended. Stop of a never-started stream is a no-op.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.stopped
}

// Cursor returns the id of the last successfully processed event. It is
// best-effort: the feed may redeliver or skip events around a reconnect,
// which the idempotent snapshot replacement upstream tolerates.
func (s *Stream) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.stopped)

	for {
		// The limiter paces subscription attempts so a connection that
		// drops immediately cannot hot-loop, while a long-lived connection
		// reconnects without delay.
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		resp, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("event feed connection failed", zap.Error(err))
			continue
		}
		s.logger.Info("event feed connected",
			zap.String("cursor", s.Cursor()))

		err = s.consume(ctx, resp)
		resp.Body.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Info("event feed disconnected, reconnecting",
			zap.Error(err), zap.String("cursor", s.Cursor()))
	}
}

// connect opens one subscription, resuming from the last processed event id
// so the server can redeliver anything missed during a disconnect.
func (s *Stream) connect(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build subscription request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if cursor := s.Cursor(); cursor != "" {
		req.Header.Set("Last-Event-ID", cursor)
	}
	if s.tokens != nil {
		token, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("subscription returned status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("subscription returned content type %q", ct)
	}
	return resp, nil
}

// consume runs the dispatch loop for one connection. The cursor advances
// only after the handler returns, and shutdown is checked cooperatively
// after each delivered event.
func (s *Stream) consume(ctx context.Context, resp *http.Response) error {
	dec := NewDecoder(resp.Body)
	dec.SetMaxLineBytes(s.maxLine)

	for {
		ev, err := dec.Next()
		if err != nil {
			return err
		}

		s.handler(ev)

		if ev.ID != "" {
			s.mu.Lock()
			s.cursor = ev.ID
			s.mu.Unlock()
		}
		if ev.Retry > 0 {
			s.limiter.SetLimit(rate.Every(ev.Retry))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
