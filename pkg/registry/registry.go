// Package registry is the pluggable entity-type dispatch table the Event
// Applier consults (spec §6): a map from EntityType to an UpdateFunc.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/fenwicklabs/go-entity-reconciler/pkg/domain"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/lattice"
)

// OutcomeKind distinguishes the three shapes an UpdateFunc may return
// (spec §4.4, §6).
type OutcomeKind int

const (
	// Unchanged means the version is unaffected by the event: it remains
	// live, no new node is created.
	Unchanged OutcomeKind = iota
	// Terminated means the version becomes impossible under this event.
	Terminated
	// Successors means the version transitions into one or more new states.
	Successors
)

// Outcome is the sum type an UpdateFunc returns (spec §6). Exactly one of
// the fields below is meaningful, selected by Kind — modeled as a tagged
// struct rather than an interface so the Event Applier can pattern-match
// on Kind without a type switch across the hot path (spec §9 design note
// "avoid dynamic dispatch across the hot path").
type Outcome struct {
	Kind       OutcomeKind
	Reason     string                  // set when Kind == Terminated
	States     []lattice.PartialEntity // set when Kind == Successors
	EventAuxes []json.RawMessage       // parallel to States; event_aux captured per successor
}

// UnchangedOutcome builds an Unchanged Outcome.
func UnchangedOutcome() Outcome { return Outcome{Kind: Unchanged} }

// TerminatedOutcome builds a Terminated Outcome with reason.
func TerminatedOutcome(reason string) Outcome { return Outcome{Kind: Terminated, Reason: reason} }

// SuccessorsOutcome builds a Successors Outcome. aux may be nil per state
// if the update function captures no scratch data for it.
func SuccessorsOutcome(states []lattice.PartialEntity, aux []json.RawMessage) Outcome {
	return Outcome{Kind: Successors, States: states, EventAuxes: aux}
}

// UpdateFunc is a per-entity-type state-transition function: the external
// contract of spec §6. It must be pure and deterministic given
// (entityType, event, state, aux).
type UpdateFunc func(ctx context.Context, entityType domain.EntityType, event domain.Event, state lattice.PartialEntity, aux json.RawMessage) (Outcome, error)

// Registry dispatches events to the UpdateFunc registered for an
// EntityType. The zero value is ready to use.
type Registry struct {
	mu      sync.RWMutex
	funcs   map[domain.EntityType]UpdateFunc
	schemas map[domain.EntityType]*gojsonschema.Schema
}

// ErrPayloadSchema wraps a gojsonschema validation failure against an
// event's payload, raised before the payload ever reaches an UpdateFunc
// (spec §6, "optional per-entity-type payload schema check").
type ErrPayloadSchema struct {
	EntityType domain.EntityType
	Violations []string
}

func (e *ErrPayloadSchema) Error() string {
	return fmt.Sprintf("registry: payload for %q violates schema: %s", e.EntityType, strings.Join(e.Violations, "; "))
}

// RegisterSchema attaches an optional JSON Schema to entityType. Once
// set, Apply validates every event's Payload against it before invoking
// the UpdateFunc, so a malformed event fails fast with ErrPayloadSchema
// instead of reaching game-specific logic with an unexpected shape.
func (r *Registry) RegisterSchema(entityType domain.EntityType, schemaJSON []byte) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("registry: compiling schema for %q: %w", entityType, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.schemas == nil {
		r.schemas = map[domain.EntityType]*gojsonschema.Schema{}
	}
	r.schemas[entityType] = schema
	return nil
}

func (r *Registry) validatePayload(entityType domain.EntityType, payload json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[entityType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("registry: validating payload for %q: %w", entityType, err)
	}
	if result.Valid() {
		return nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, e.String())
	}
	return &ErrPayloadSchema{EntityType: entityType, Violations: violations}
}

var errKindRequired = fmt.Errorf("registry: entity type is required")

// Register associates fn with entityType. It errors if entityType is
// empty, fn is nil, or entityType is already registered.
func (r *Registry) Register(entityType domain.EntityType, fn UpdateFunc) error {
	if entityType == "" {
		return errKindRequired
	}
	if fn == nil {
		return fmt.Errorf("registry: update function for %q is nil", entityType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.funcs == nil {
		r.funcs = map[domain.EntityType]UpdateFunc{}
	}
	if _, ok := r.funcs[entityType]; ok {
		return fmt.Errorf("registry: %q is already registered", entityType)
	}
	r.funcs[entityType] = fn
	return nil
}

// MustRegister is Register but panics on error.
func (r *Registry) MustRegister(entityType domain.EntityType, fn UpdateFunc) {
	if err := r.Register(entityType, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the UpdateFunc registered for entityType.
func (r *Registry) Lookup(entityType domain.EntityType) (UpdateFunc, error) {
	if entityType == "" {
		return nil, errKindRequired
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[entityType]
	if !ok {
		return nil, fmt.Errorf("registry: no update function registered for %q", entityType)
	}
	return fn, nil
}

// Apply looks up and invokes the UpdateFunc for entityType, first
// checking event.Payload against any schema registered via
// RegisterSchema.
func (r *Registry) Apply(ctx context.Context, entityType domain.EntityType, event domain.Event, state lattice.PartialEntity, aux json.RawMessage) (Outcome, error) {
	fn, err := r.Lookup(entityType)
	if err != nil {
		return Outcome{}, err
	}
	if err := r.validatePayload(entityType, event.Payload); err != nil {
		return Outcome{}, err
	}
	return fn(ctx, entityType, event, state, aux)
}
