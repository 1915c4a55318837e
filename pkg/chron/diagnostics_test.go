package chron

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fenwicklabs/go-entity-reconciler/pkg/lattice"
)

func TestMismatchRendersFieldNameAndDiff(t *testing.T) {
	fv := lattice.NewField(lattice.Known(30.0), lattice.ParseFloat64)
	m := mismatch("player_age", "player_age", fv, []byte(`{"player_age": 99}`))

	assert.Equal(t, "PlayerAge", m.Field)
	assert.Equal(t, "Known(30)", m.Expected)
	assert.Contains(t, m.Got, "Known(30)")
	assert.Contains(t, m.Got, "99")
}

func TestMismatchHandlesAbsentField(t *testing.T) {
	fv := lattice.NewField(lattice.Known("ready"), lattice.ParseString)
	m := mismatch("status", "status", fv, []byte(`{}`))

	assert.Equal(t, "Status", m.Field)
	assert.Contains(t, m.Got, "<absent>")
}
