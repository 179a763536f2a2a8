// Package simtest provides an in-process fake SimCloud server for tests: a
// minimal REST surface over in-memory resources plus a push-event feed with
// Last-Event-ID resumption, so client tests can exercise the full
// request/response and event paths without a real backend.
package simtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Server is a fake SimCloud backend. All methods are safe for concurrent
// use.
type Server struct {
	httpServer *httptest.Server

	mu        sync.Mutex
	resources map[string]map[string]map[string]any // collection -> id -> fields
	events    []storedEvent
	nextSeq   int
	subs      map[*subscriber]struct{}
	token     string
}

type storedEvent struct {
	seq  int
	data []byte
}

// subscriber is one open event feed connection.
type subscriber struct {
	ch   chan storedEvent
	kick chan struct{} // closed to force-disconnect the connection
}

// Option configures a Server.
type Option func(*Server)

// WithToken makes the server reject requests whose bearer token differs.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// New starts a fake server. Call Close when done.
func New(opts ...Option) *Server {
	s := &Server{
		resources: make(map[string]map[string]map[string]any),
		subs:      make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(s.checkAuth)

	r.Get("/sessions/events", s.handleEvents)

	for _, collection := range []string{
		"geometries", "predictions", "post-processings",
		"training-data", "training-data-parts", "models",
	} {
		r.Get("/"+collection, s.handleList(collection))
		r.Get("/"+collection+"/{id}", s.handleGet(collection))
		r.Delete("/"+collection+"/{id}", s.handleDelete(collection))
	}

	r.Post("/geometries", s.handleCreate("geometries", nil))
	r.Put("/geometries/{id}/data", s.handleUploadData("geometries"))
	r.Post("/geometries/{id}/predictions", s.handleCreateChild("geometries", "predictions", "geometry_id"))
	r.Post("/predictions/{id}/post-processings", s.handleCreateChild("predictions", "post-processings", "prediction_id"))
	r.Post("/training-data", s.handleCreate("training-data", nil))
	r.Post("/training-data/{id}/compute", s.handleCompute)
	r.Post("/training-data/{id}/parts", s.handleCreateChild("training-data", "training-data-parts", "training_data_id"))
	r.Put("/training-data-parts/{id}/data", s.handleUploadData("training-data-parts"))
	r.Post("/models", s.handleCreate("models", nil))

	s.httpServer = httptest.NewServer(r)
	return s
}

// URL returns the server's base URL.
func (s *Server) URL() string {
	return s.httpServer.URL
}

// Close shuts the server down, disconnecting all event feed connections.
func (s *Server) Close() {
	s.DropConnections()
	s.httpServer.Close()
}

// Put stores a resource snapshot directly, bypassing the REST surface.
func (s *Server) Put(collection string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(collection, fields)
}

func (s *Server) put(collection string, fields map[string]any) {
	if s.resources[collection] == nil {
		s.resources[collection] = make(map[string]map[string]any)
	}
	s.resources[collection][fields["id"].(string)] = fields
}

// EmitJob appends a job-kind envelope to the event log and delivers it to
// connected subscribers.
func (s *Server) EmitJob(targetType, id, status string, record map[string]any, reason string) {
	s.emit(map[string]any{
		"type":   "job",
		"status": status,
		"target": map[string]any{"type": targetType, "id": id},
		"record": record,
		"reason": reason,
	})
}

// EmitResource appends a resource-kind (upload lifecycle) envelope.
func (s *Server) EmitResource(targetType, id, status, reason string) {
	s.emit(map[string]any{
		"type":   "resource",
		"status": status,
		"target": map[string]any{"type": targetType, "id": id},
		"reason": reason,
	})
}

// EmitRaw appends an arbitrary payload, for malformed or forward-compatible
// event tests.
func (s *Server) EmitRaw(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.append(data)
}

func (s *Server) emit(envelope map[string]any) {
	data, err := json.Marshal(envelope)
	if err != nil {
		panic(fmt.Sprintf("simtest: marshal envelope: %v", err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.append(data)
}

// append stores the event and fans it out. Callers hold s.mu.
func (s *Server) append(data []byte) {
	s.nextSeq++
	ev := storedEvent{seq: s.nextSeq, data: data}
	s.events = append(s.events, ev)
	for sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber too slow; it will be caught up by replay after
			// its next reconnect.
		}
	}
}

// DropConnections force-closes every open event feed connection, simulating
// a transport failure. The event log is kept, so reconnecting clients
// resume from their Last-Event-ID.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		close(sub.kick)
		delete(s.subs, sub)
	}
}

func (s *Server) checkAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	lastSeq := 0
	if header := r.Header.Get("Last-Event-ID"); header != "" {
		if n, err := strconv.Atoi(header); err == nil {
			lastSeq = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := &subscriber{
		ch:   make(chan storedEvent, 256),
		kick: make(chan struct{}),
	}

	// Copy the replay set and register the subscriber in one critical
	// section: events appended afterwards arrive on the channel with higher
	// sequence numbers, so replay then live delivery preserves order
	// without duplicates.
	s.mu.Lock()
	var replay []storedEvent
	for _, ev := range s.events {
		if ev.seq > lastSeq {
			replay = append(replay, ev)
		}
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}()

	for _, ev := range replay {
		fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.seq, ev.data)
	}
	flusher.Flush()

	for {
		select {
		case ev := <-sub.ch:
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.seq, ev.data)
			flusher.Flush()
		case <-sub.kick:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleCreate(collection string, extra map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			payload = map[string]any{}
		}
		fields := map[string]any{
			"id":    uuid.NewString(),
			"state": "queued",
		}
		for k, v := range payload {
			fields[k] = v
		}
		for k, v := range extra {
			fields[k] = v
		}

		s.mu.Lock()
		s.put(collection, fields)
		s.mu.Unlock()

		writeJSON(w, http.StatusCreated, fields)
	}
}

func (s *Server) handleCreateChild(parentCollection, collection, parentKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parentID := chi.URLParam(r, "id")
		s.mu.Lock()
		_, ok := s.resources[parentCollection][parentID]
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, parentCollection+" not found")
			return
		}
		s.handleCreate(collection, map[string]any{parentKey: parentID})(w, r)
	}
}

func (s *Server) handleGet(collection string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s.mu.Lock()
		fields, ok := s.resources[collection][id]
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, fields)
	}
}

func (s *Server) handleList(collection string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		list := make([]map[string]any, 0, len(s.resources[collection]))
		for _, fields := range s.resources[collection] {
			list = append(list, fields)
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, list)
	}
}

func (s *Server) handleDelete(collection string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s.mu.Lock()
		delete(s.resources[collection], id)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleUploadData(collection string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s.mu.Lock()
		_, ok := s.resources[collection][id]
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleCompute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	fields, ok := s.resources["training-data"][id]
	if ok {
		fields["state"] = "queued"
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"message": message})
}
