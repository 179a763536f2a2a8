package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"github.com/simcloud-ai/simcloud-go/pkg/event"
)

// Resource is the single live client-side instance of one server-side
// entity. Instances are created and owned by a Registry; two lookups for the
// same id always return the same instance, so a goroutine blocked in Wait
// observes updates applied by any other goroutine.
//
// The fields snapshot is replaced wholesale on every update, never merged
// field-by-field. Lifecycle state moves pending -> ready or pending -> failed
// exactly once; after that, events may still refresh the snapshot but never
// flip the terminal state.
type Resource struct {
	kind   event.TargetType
	id     string
	logger *zap.Logger
	reg    *Registry

	mu       sync.RWMutex
	fields   map[string]any
	terminal bool
	failed   bool
	reason   string
	done     chan struct{} // closed once per lifecycle; Reset swaps a fresh one

	upload *uploadState // nil unless the registry tracks uploads
}

// uploadState signals completion of the binary upload backing an uploadable
// resource, independently of the job lifecycle. Processing can only start
// once the bytes are fully received, so conflating the two signals would let
// a job waiter return while bytes are still in flight.
type uploadState struct {
	once sync.Once
	done chan struct{}
}

func (u *uploadState) complete() {
	u.once.Do(func() { close(u.done) })
}

func newResource(reg *Registry, id string, fields map[string]any, uploadPending bool) *Resource {
	r := &Resource{
		kind:   reg.kind,
		id:     id,
		logger: reg.logger,
		reg:    reg,
		fields: fields,
		done:   make(chan struct{}),
	}
	if reg.uploadable {
		r.upload = &uploadState{done: make(chan struct{})}
		if !uploadPending {
			r.upload.complete()
		}
	}

	// A resource first observed through a direct lookup may already be in a
	// terminal state. The initial state comes from the snapshot, it is never
	// assumed pending.
	status, _ := fields["state"].(string)
	switch {
	case status == StatusSuccessful:
		r.terminal = true
		close(r.done)
	case IsFailureStatus(status):
		r.terminal = true
		r.failed = true
		r.reason, _ = fields["error"].(string)
		close(r.done)
	}
	return r
}

// ID returns the server-assigned identifier.
func (r *Resource) ID() string { return r.id }

// Kind returns the resource type.
func (r *Resource) Kind() event.TargetType { return r.kind }

// Fields returns the latest known full server-side snapshot. The returned
// map is shared with the resource; treat it as read-only.
func (r *Resource) Fields() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fields
}

// DecodeFields decodes the current snapshot into out, matching struct fields
// by their json tags.
func (r *Resource) DecodeFields(out any) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  out,
	})
	if err != nil {
		return fmt.Errorf("decode %s %s fields: %w", r.kind, r.id, err)
	}
	if err := dec.Decode(r.fields); err != nil {
		return fmt.Errorf("decode %s %s fields: %w", r.kind, r.id, err)
	}
	return nil
}

// IsPending reports whether the resource is still in flight. It becomes
// false once the resource is ready, failed, or removed from its registry.
func (r *Resource) IsPending() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.terminal
}

// IsReady reports whether the resource completed without error.
func (r *Resource) IsReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.terminal && !r.failed
}

// HasFailed reports whether the resource reached the Failed state.
func (r *Resource) HasFailed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failed
}

// FailureReason returns the optional human-readable failure reason.
func (r *Resource) FailureReason() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reason
}

// Wait blocks until the resource reaches a terminal state or ctx is done.
// It returns a *FailedError if the resource failed, nil if it is ready or
// was removed from its registry while waited on.
func (r *Resource) Wait(ctx context.Context) error {
	_, err := r.WaitFor(ctx, 0)
	return err
}

// WaitFor is Wait with an optional timeout. A timeout <= 0 waits
// indefinitely. On timeout it returns (false, nil): not yet complete is not
// an error and is distinguishable from failure.
func (r *Resource) WaitFor(ctx context.Context, timeout time.Duration) (bool, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-r.doneChan():
		return true, r.failedErr()
	case <-timeoutCh:
		return false, nil
	case <-ctx.Done():
		return false, fmt.Errorf("waiting for %s %s: %w", r.kind, r.id, ctx.Err())
	}
}

// Reset returns a terminal resource to pending so a computation can be
// relaunched. This is the only path back from a terminal state: snapshot
// replacement never re-pends a resource, so a blocked waiter can not be
// surprised into re-blocking. Resetting a pending resource is a no-op.
func (r *Resource) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.terminal {
		return
	}
	r.terminal = false
	r.failed = false
	r.reason = ""
	r.done = make(chan struct{})
}

// Reload refreshes the snapshot from a direct server lookup, through the
// fetcher the owning registry was configured with.
func (r *Resource) Reload(ctx context.Context) error {
	if r.reg.fetch == nil {
		return fmt.Errorf("reload %s %s: registry has no fetcher", r.kind, r.id)
	}
	fields, err := r.reg.fetch(ctx, r.id)
	if err != nil {
		return fmt.Errorf("reload %s %s: %w", r.kind, r.id, err)
	}
	r.setFields(fields)
	return nil
}

// UploadComplete reports whether the binary upload backing this resource has
// finished. It is true for resources that do not track uploads.
func (r *Resource) UploadComplete() bool {
	if r.upload == nil {
		return true
	}
	select {
	case <-r.upload.done:
		return true
	default:
		return false
	}
}

// WaitUploadComplete blocks until the upload has finished or ctx is done.
// Upload failure completes the wait; the failure itself surfaces through
// HasFailed and Wait.
func (r *Resource) WaitUploadComplete(ctx context.Context) error {
	if r.upload == nil {
		return nil
	}
	select {
	case <-r.upload.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s %s upload: %w", r.kind, r.id, ctx.Err())
	}
}

func (r *Resource) doneChan() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.done
}

func (r *Resource) failedErr() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.failed {
		return nil
	}
	return &FailedError{Kind: r.kind, ID: r.id, Reason: r.reason}
}

// setFields replaces the snapshot wholesale without touching lifecycle
// state.
func (r *Resource) setFields(fields map[string]any) {
	r.mu.Lock()
	r.fields = fields
	r.mu.Unlock()
}

// applyJob applies one job-kind envelope: the embedded record, if any,
// replaces the snapshot, and the status drives at most one terminal
// transition. The snapshot swap happens before the completion signal, so
// every released waiter observes the final fields.
func (r *Resource) applyJob(env event.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if env.Record != nil {
		r.fields = env.Record
	}

	switch {
	case r.terminal:
		// Terminal state never flips; redelivered or late events only
		// refresh the snapshot.
	case env.Status == StatusSuccessful:
		r.terminal = true
		close(r.done)
		r.logger.Debug("resource ready",
			zap.String("kind", string(r.kind)), zap.String("id", r.id))
	case IsFailureStatus(env.Status):
		r.terminal = true
		r.failed = true
		r.reason = env.Reason
		if r.reason == "" {
			r.reason, _ = r.fields["error"].(string)
		}
		close(r.done)
		r.logger.Error("resource failed",
			zap.String("kind", string(r.kind)),
			zap.String("id", r.id),
			zap.String("reason", r.reason))
	case IsPendingStatus(env.Status):
		// Still in flight.
	default:
		r.logger.Debug("ignoring unknown job status",
			zap.String("kind", string(r.kind)),
			zap.String("id", r.id),
			zap.String("status", env.Status))
	}
}

// applyResource applies one resource-kind envelope, which reports the fate
// of the binary upload backing the resource. Upload failure releases upload
// waiters and records the failure through the normal failure channel so job
// waiters do not hang on bytes that will never arrive.
func (r *Resource) applyResource(env event.Envelope) {
	switch env.Status {
	case StatusUploadCreated:
		r.upload.complete()
		r.logger.Debug("upload complete",
			zap.String("kind", string(r.kind)), zap.String("id", r.id))
	case StatusUploadFailed:
		reason := env.Reason
		if reason == "" {
			reason = "upload failed"
		}
		r.fail(reason)
		r.upload.complete()
		r.logger.Error("upload failed",
			zap.String("kind", string(r.kind)),
			zap.String("id", r.id),
			zap.String("reason", reason))
	default:
		r.logger.Debug("ignoring unknown upload status",
			zap.String("kind", string(r.kind)),
			zap.String("id", r.id),
			zap.String("status", env.Status))
	}
}

// fail moves the resource to Failed unless it is already terminal.
func (r *Resource) fail(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return
	}
	r.terminal = true
	r.failed = true
	r.reason = reason
	close(r.done)
}

// release forces the resource into a released condition without marking it
// failed or succeeded, so blocked waiters return immediately with a neutral
// result. Used when the resource is removed from its registry.
func (r *Resource) release() {
	r.mu.Lock()
	if !r.terminal {
		r.terminal = true
		close(r.done)
	}
	r.mu.Unlock()
	if r.upload != nil {
		r.upload.complete()
	}
}
