package lattice

import (
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// FieldValue is the type-erased face of a Value[T], letting PartialEntity
// hold heterogeneous fields (floats, strings, enums) in one map and diff
// or refine them against a path into a raw JSON observation.
type FieldValue interface {
	// DiffRaw extracts the field at path from raw and classifies it
	// against the held partial value (spec §4.1).
	DiffRaw(raw []byte, path string) DiffKind
	// RefineRaw extracts the field at path from raw and returns a new
	// FieldValue narrowed to it, or an error if the path's value is
	// disjoint from what is already known.
	RefineRaw(raw []byte, path string) (FieldValue, error)
	// Known returns the concrete value this field already fully
	// determines, and whether it is in fact Known — an escape hatch for
	// update functions that need to branch on a current value rather
	// than just diff/refine against an observation.
	Known() (any, bool)
	fmt.Stringer
}

// Parser turns a gjson.Result into a concrete T, reporting whether the
// JSON node had the expected shape.
type Parser[T comparable] func(gjson.Result) (T, bool)

type field[T comparable] struct {
	val   Value[T]
	parse Parser[T]
}

// NewField wraps val as a FieldValue, using parse to read a matching
// concrete T out of a raw JSON path.
func NewField[T comparable](val Value[T], parse Parser[T]) FieldValue {
	return field[T]{val: val, parse: parse}
}

func (f field[T]) DiffRaw(raw []byte, path string) DiffKind {
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return DiffIncompatible
	}
	concrete, ok := f.parse(res)
	if !ok {
		return DiffIncompatible
	}
	return f.val.Diff(concrete)
}

func (f field[T]) RefineRaw(raw []byte, path string) (FieldValue, error) {
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil, fmt.Errorf("lattice: path %q not present in observation", path)
	}
	concrete, ok := f.parse(res)
	if !ok {
		return nil, fmt.Errorf("lattice: path %q did not parse to the expected type", path)
	}
	refined, err := f.val.Refine(concrete)
	if err != nil {
		return nil, err
	}
	return field[T]{val: refined, parse: f.parse}, nil
}

func (f field[T]) String() string { return f.val.String() }

func (f field[T]) Known() (any, bool) {
	if f.val.Kind() != KindKnown {
		return nil, false
	}
	return f.val.MustKnown(), true
}

// ParseFloat64 reads a JSON number.
func ParseFloat64(r gjson.Result) (float64, bool) {
	if r.Type != gjson.Number {
		return 0, false
	}
	return r.Float(), true
}

// ParseString reads a JSON string.
func ParseString(r gjson.Result) (string, bool) {
	if r.Type != gjson.String {
		return "", false
	}
	return r.String(), true
}

// ParseBool reads a JSON boolean.
func ParseBool(r gjson.Result) (bool, bool) {
	if r.Type != gjson.True && r.Type != gjson.False {
		return false, false
	}
	return r.Bool(), true
}

// ParseInt reads a JSON number as an integer.
func ParseInt(r gjson.Result) (int64, bool) {
	if r.Type != gjson.Number {
		return 0, false
	}
	return r.Int(), true
}

// PartialEntity is the product lattice over a struct's fields: each field
// name maps to a path into the observation's raw JSON and a FieldValue
// describing what is known about it.
type PartialEntity struct {
	// Paths maps a logical field name to the gjson path used to extract
	// it from an observation's raw JSON.
	Paths  map[string]string
	Fields map[string]FieldValue
}

// NewPartialEntity builds an empty PartialEntity ready to have fields set.
func NewPartialEntity() PartialEntity {
	return PartialEntity{
		Paths:  map[string]string{},
		Fields: map[string]FieldValue{},
	}
}

// Set registers field name, its extraction path, and its current partial
// value.
func (p PartialEntity) Set(name, path string, val FieldValue) {
	p.Paths[name] = path
	p.Fields[name] = val
}

// Diff composes per-field Diff results per spec §4.1: Incompatible if any
// field is Incompatible, else Compatible if any field is Compatible, else
// Empty. A field present in p but absent from raw is treated as
// Incompatible (the observation doesn't describe what we expected to see).
func (p PartialEntity) Diff(raw []byte) DiffKind {
	best := DiffEmpty
	names := sortedNames(p.Fields)
	for _, name := range names {
		d := p.Fields[name].DiffRaw(raw, p.Paths[name])
		if d == DiffIncompatible {
			return DiffIncompatible
		}
		if d == DiffCompatible {
			best = DiffCompatible
		}
	}
	return best
}

// FieldDiffs reports the per-field DiffKind, used to build mismatch
// diagnostics for a Failed observation (spec §4.8 outcome 5, §7).
func (p PartialEntity) FieldDiffs(raw []byte) map[string]DiffKind {
	out := make(map[string]DiffKind, len(p.Fields))
	for name, fv := range p.Fields {
		out[name] = fv.DiffRaw(raw, p.Paths[name])
	}
	return out
}

// Refine returns a new PartialEntity with every Compatible-or-Empty field
// narrowed against raw. Fields that are already DiffIncompatible are left
// untouched by the caller: Refine should only be invoked after Diff has
// confirmed the entity as a whole is not Incompatible.
func (p PartialEntity) Refine(raw []byte) (PartialEntity, error) {
	out := NewPartialEntity()
	for name, path := range p.Paths {
		fv := p.Fields[name]
		d := fv.DiffRaw(raw, path)
		if d == DiffIncompatible {
			out.Set(name, path, fv)
			continue
		}
		refined, err := fv.RefineRaw(raw, path)
		if err != nil {
			return PartialEntity{}, fmt.Errorf("refining field %q: %w", name, err)
		}
		out.Set(name, path, refined)
	}
	return out, nil
}

// Clone returns a PartialEntity with an independently-mutable field map
// (FieldValues themselves are immutable, so a shallow copy suffices).
func (p PartialEntity) Clone() PartialEntity {
	out := NewPartialEntity()
	for name, path := range p.Paths {
		out.Set(name, path, p.Fields[name])
	}
	return out
}

// Equal reports whether two PartialEntitys carry identical field values,
// used by the Event Applier's merge pass (spec §4.4) to collapse
// structurally-equal successors.
func (p PartialEntity) Equal(other PartialEntity) bool {
	if len(p.Fields) != len(other.Fields) {
		return false
	}
	for name, fv := range p.Fields {
		ofv, ok := other.Fields[name]
		if !ok {
			return false
		}
		if fv.String() != ofv.String() {
			return false
		}
	}
	return true
}

func sortedNames(m map[string]FieldValue) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
