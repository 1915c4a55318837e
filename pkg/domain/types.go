// Package domain holds the identifiers and records shared by every
// component of the reconciler: entity references, events, versions,
// links, and observations, as laid out in the persisted state schema.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fenwicklabs/go-entity-reconciler/pkg/lattice"
)

// EntityType tags the kind of simulated object an EntityRef names.
// It is deliberately a plain string rather than an enum: the registry
// of known types is open (new entity types can be registered without
// a change here).
type EntityType string

// EntityRef identifies a single entity: a symbolic type plus a 128-bit id.
type EntityRef struct {
	Type EntityType
	ID   uuid.UUID
}

// String renders a ref as "type/id", used in error messages and Console-style
// diagnostics.
func (r EntityRef) String() string {
	return string(r.Type) + "/" + r.ID.String()
}

// Source identifies where an Event originated.
type Source string

const (
	SourceStart  Source = "start"
	SourceFeed   Source = "feed"
	SourceTimed  Source = "timed"
	SourceManual Source = "manual"
)

// AffectedEntity is one of the entities an Event touches, plus event-specific
// scratch data for that entity (the "aux" triple of spec §3).
type AffectedEntity struct {
	Ref EntityRef
	Aux json.RawMessage
}

// Event is an immutable record describing a state transition.
type Event struct {
	ID        int64
	EventTime time.Time
	Source    Source
	Payload   json.RawMessage
	Affected  []AffectedEntity
}

// AffectedEntity returns the AffectedEntity for ref, and whether it was found.
func (e Event) AffectedEntity(ref EntityRef) (AffectedEntity, bool) {
	for _, a := range e.Affected {
		if a.Ref == ref {
			return a, true
		}
	}
	return AffectedEntity{}, false
}

// VersionID opaquely identifies a Version. Never expose the record itself
// across store boundaries: callers must go back through the store by id.
type VersionID uuid.UUID

// String renders the VersionID for logs and diagnostics.
func (v VersionID) String() string {
	return uuid.UUID(v).String()
}

// NewVersionID mints a fresh, random version id.
func NewVersionID() VersionID {
	return VersionID(uuid.New())
}

// Version is a node in an entity's version DAG: spec §3.
type Version struct {
	VersionID    VersionID
	Entity       EntityRef
	StartTime    time.Time
	EntityState  lattice.PartialEntity
	FromEvent    int64
	EventAux     json.RawMessage
	Observations []time.Time
	Terminated   *string
}

// Live reports whether the version has not been terminated.
func (v *Version) Live() bool {
	return v.Terminated == nil
}

// VersionLink is a directed edge parent -> child in an entity's DAG.
type VersionLink struct {
	Parent VersionID
	Child  VersionID
}

// ObservationState is the resolution state machine of spec §4.8.
type ObservationState string

const (
	ObservationPending   ObservationState = "pending"
	ObservationResolved  ObservationState = "resolved"
	ObservationAmbiguous ObservationState = "ambiguous"
	ObservationFailed    ObservationState = "failed"
)

// FieldMismatch describes one field that ruled out a candidate version
// during resolution, used to populate a Failed observation's diagnostics.
type FieldMismatch struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Got      string `json:"got"`
}

// Observation is a Chronicler snapshot awaiting or having undergone
// placement against a version.
type Observation struct {
	Entity      EntityRef
	PerceivedAt time.Time
	Earliest    time.Time
	Latest      time.Time
	Raw         json.RawMessage

	State      ObservationState
	Resolved   VersionID
	Candidates []VersionID
	Mismatches []FieldMismatch
}
