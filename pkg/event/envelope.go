// Package event models the push notifications delivered over the SimCloud
// event feed and routes them to the per-resource-type registries.
//
// One envelope describes one change to one server-side resource. Envelopes
// are transient: they are decoded, dispatched, and discarded. The router is
// forward-compatible - envelopes for event kinds or resource types this
// client version does not understand are logged and dropped, never treated
// as errors.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the event category carried in the envelope "type" field.
type Kind string

const (
	// KindJob reports computation lifecycle changes (queued, processing,
	// successful, failure, ...).
	KindJob Kind = "job"

	// KindResource reports upload completion for uploadable resources.
	KindResource Kind = "resource"

	// KindSession reports service session status. Logged, never routed.
	KindSession Kind = "session"
)

// TargetType identifies which resource registry an envelope addresses.
type TargetType string

const (
	TargetGeometry         TargetType = "geometry"
	TargetPrediction       TargetType = "prediction"
	TargetPostProcessing   TargetType = "post_processing"
	TargetTrainingData     TargetType = "training_data"
	TargetTrainingDataPart TargetType = "training_data_part"
	TargetModel            TargetType = "model"

	// TargetUnknown is returned for resource types this client version does
	// not know about. Envelopes resolving to it are dropped.
	TargetUnknown TargetType = ""
)

var targetTypes = map[string]TargetType{
	"geometry":           TargetGeometry,
	"prediction":         TargetPrediction,
	"post_processing":    TargetPostProcessing,
	"training_data":      TargetTrainingData,
	"training_data_part": TargetTrainingDataPart,
	"model":              TargetModel,
}

// ParseTargetType resolves a wire-format resource type string. Unrecognized
// values resolve to TargetUnknown so new server-side resource types degrade
// to a logged drop instead of an error.
func ParseTargetType(s string) TargetType {
	if t, ok := targetTypes[s]; ok {
		return t
	}
	return TargetUnknown
}

// String returns the wire-format name of the target type.
func (t TargetType) String() string {
	if t == TargetUnknown {
		return "unknown"
	}
	return string(t)
}

// Target describes which resource an envelope addresses.
type Target struct {
	// Type is the raw resource type string from the wire. Resolve it with
	// ParseTargetType before routing.
	Type string `json:"type"`

	// ID is the server-assigned resource identifier.
	ID string `json:"id"`
}

// Envelope is one decoded event feed notification.
type Envelope struct {
	// Kind is the event category ("job", "resource", "session", or a
	// value unknown to this client version).
	Kind Kind `json:"type"`

	// Status is the state string the event reports.
	Status string `json:"status"`

	// Target identifies the addressed resource. Unused for session events.
	Target Target `json:"target"`

	// Record is the optional full server-side snapshot embedded in the
	// event. When present it replaces the resource's fields wholesale.
	Record map[string]any `json:"record,omitempty"`

	// Reason optionally details a failure in human-readable form.
	Reason string `json:"reason,omitempty"`
}

// ErrMissingKind indicates an envelope without a "type" field.
var ErrMissingKind = errors.New("event envelope has no type")

// Decode parses one envelope from its JSON wire form.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode event envelope: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, ErrMissingKind
	}
	return env, nil
}
