package registry

import (
	"context"
	"encoding/json"

	"github.com/fenwicklabs/go-entity-reconciler/pkg/domain"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/lattice"
)

// These two UpdateFuncs are illustrative, not a game-logic engine: the
// real per-entity-type update functions are out of core per spec §1
// ("Game-specific event-application logic ... a pluggable registry").
// They exist to exercise the Event Applier's branch/terminate/successors
// contract end-to-end in tests, modeling spec's own examples.

func floatLess(a, b float64) bool { return a < b }

// DivinityPayload is the event payload consumed by DivinityUpdateFunc,
// modeling spec scenario S2: a Feed event widens a known scalar into a
// range.
type DivinityPayload struct {
	Lo float64 `json:"lo"`
	Hi float64 `json:"hi"`
}

// DivinityUpdateFunc widens the "divinity" field from Known(v) to
// Range(v+lo, v+hi), per spec S2. Any other current shape (Range, Set,
// Unknown) passes through unchanged: the illustrative payload only knows
// how to widen a concrete value.
func DivinityUpdateFunc(_ context.Context, _ domain.EntityType, event domain.Event, state lattice.PartialEntity, _ json.RawMessage) (Outcome, error) {
	var payload DivinityPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return Outcome{}, err
	}
	fv, ok := state.Fields["divinity"]
	if !ok {
		return UnchangedOutcome(), nil
	}
	current, ok := fv.Known()
	if !ok {
		return UnchangedOutcome(), nil
	}
	val, ok := current.(float64)
	if !ok {
		return UnchangedOutcome(), nil
	}

	next := state.Clone()
	next.Set("divinity", state.Paths["divinity"],
		lattice.NewField(lattice.Range(val+payload.Lo, val+payload.Hi, floatLess), lattice.ParseFloat64))

	return SuccessorsOutcome([]lattice.PartialEntity{next}, []json.RawMessage{nil}), nil
}

// SingleNoScorePayload is the payload for RunnerUpdateFunc.
type SingleNoScorePayload struct {
	Kind string `json:"kind"` // "single_no_score"
}

// RunnerUpdateFunc implements spec S3: a version with a runner on 3rd is
// terminated (a runner cannot fail to score on a single and still be on
// 3rd afterward), while a version with bases empty advances to "runner on
// 1st".
func RunnerUpdateFunc(_ context.Context, _ domain.EntityType, _ domain.Event, state lattice.PartialEntity, _ json.RawMessage) (Outcome, error) {
	fv, ok := state.Fields["on_base"]
	if !ok {
		return UnchangedOutcome(), nil
	}
	current, ok := fv.Known()
	if !ok {
		return UnchangedOutcome(), nil
	}
	onBase, ok := current.(string)
	if !ok {
		return UnchangedOutcome(), nil
	}

	switch onBase {
	case "3rd":
		return TerminatedOutcome("runner on 3rd did not score on single"), nil
	case "":
		next := state.Clone()
		next.Set("on_base", state.Paths["on_base"], lattice.NewField(lattice.Known("1st"), lattice.ParseString))
		return SuccessorsOutcome([]lattice.PartialEntity{next}, []json.RawMessage{nil}), nil
	default:
		return UnchangedOutcome(), nil
	}
}
