package chron

import (
	"fmt"

	"github.com/ettle/strcase"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/tidwall/gjson"

	"github.com/fenwicklabs/go-entity-reconciler/pkg/domain"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/lattice"
)

// mismatch builds the diagnostic for one field that ruled out a
// candidate during resolution (spec §4.8 outcome "Zero valid
// placements", §7): Field is rendered in the struct-field casing a
// human expects (the observation speaks snake_case JSON, the engine
// speaks Go field names), and the unified diff between what the
// version's state expected and what the observation actually carried
// is rendered for display.
func mismatch(name, path string, fv lattice.FieldValue, raw []byte) domain.FieldMismatch {
	expected := fv.String()
	got := gjson.GetBytes(raw, path).Raw
	if got == "" {
		got = "<absent>"
	}
	return domain.FieldMismatch{
		Field:    strcase.ToPascal(name),
		Expected: expected,
		Got:      renderDiff(expected, got),
	}
}

// renderDiff produces a unified diff of expected against got. When the
// two strings are identical (a value can be textually equal yet
// lattice-incompatible), where a line diff would be empty, it returns
// "<expected> (expected) vs <got> (observed)" instead.
func renderDiff(expected, got string) string {
	if expected == got {
		return fmt.Sprintf("%s (expected) vs %s (observed)", expected, got)
	}
	edits := myers.ComputeEdits(span.URIFromPath("expected"), expected, got)
	unified := gotextdiff.ToUnified("expected", "observed", expected, edits)
	return fmt.Sprint(unified)
}
