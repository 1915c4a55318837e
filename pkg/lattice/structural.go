package lattice

import (
	"github.com/Kong/gojsondiff"
)

// StructurallyEqual reports whether two JSON documents describe the same
// value regardless of key order or insignificant whitespace. The Event
// Applier's merge pass (spec §4.4) uses this to compare two successors'
// event_aux scratch data for the "equality of the canonical
// (entity_state, event_aux) pair" merge criterion — entity_state equality
// itself is checked field-by-field via PartialEntity.Equal, since its
// fields are partial-lattice descriptors rather than plain JSON.
func StructurallyEqual(a, b []byte) (bool, error) {
	aEmpty, bEmpty := isEmptyJSON(a), isEmptyJSON(b)
	if aEmpty || bEmpty {
		return aEmpty == bEmpty, nil
	}
	differ := gojsondiff.New()
	d, err := differ.Compare(a, b)
	if err != nil {
		return false, err
	}
	return !d.Modified(), nil
}

func isEmptyJSON(b []byte) bool {
	s := string(b)
	return s == "" || s == "null"
}
