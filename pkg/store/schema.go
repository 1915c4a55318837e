package store

import (
	memdb "github.com/hashicorp/go-memdb"

	"github.com/fenwicklabs/go-entity-reconciler/pkg/domain"
)

const (
	versionTableName     = "version"
	linkTableName        = "link"
	observationTableName = "observation"
	pendingMarkerTable   = "pending_marker"

	all = "all"
)

var allIndex = &memdb.IndexSchema{
	Name: all,
	Indexer: &memdb.ConditionalIndex{
		Conditional: func(_ interface{}) (bool, error) { return true, nil },
	},
}

// versionRow is the memdb row for a domain.Version. Fields duplicated out
// of the embedded Version give memdb cheap string/int indexes without
// reflecting into time.Time or nested structs.
type versionRow struct {
	VersionID   string
	EntityType  string
	EntityID    string
	StartTimeNS int64
	Terminated  bool
	Version     *domain.Version
}

var versionTableSchema = &memdb.TableSchema{
	Name: versionTableName,
	Indexes: map[string]*memdb.IndexSchema{
		"id": {
			Name:    "id",
			Unique:  true,
			Indexer: &memdb.StringFieldIndex{Field: "VersionID"},
		},
		"entity": {
			Name:   "entity",
			Unique: false,
			Indexer: &memdb.CompoundIndex{
				Indexes: []memdb.Indexer{
					&memdb.StringFieldIndex{Field: "EntityType"},
					&memdb.StringFieldIndex{Field: "EntityID"},
				},
			},
		},
		all: allIndex,
	},
}

// linkRow is a directed parent -> child edge (memdb row for VersionLink).
type linkRow struct {
	ParentChild string // "<parent>|<child>", unique key
	Parent      string
	Child       string
}

var linkTableSchema = &memdb.TableSchema{
	Name: linkTableName,
	Indexes: map[string]*memdb.IndexSchema{
		"id": {
			Name:    "id",
			Unique:  true,
			Indexer: &memdb.StringFieldIndex{Field: "ParentChild"},
		},
		"parent": {
			Name:    "parent",
			Unique:  false,
			Indexer: &memdb.StringFieldIndex{Field: "Parent"},
		},
		"child": {
			Name:    "child",
			Unique:  false,
			Indexer: &memdb.StringFieldIndex{Field: "Child"},
		},
		all: allIndex,
	},
}

// observationRow is the memdb row for a domain.Observation.
type observationRow struct {
	Key           string // "<entityType>|<entityID>|<perceivedAt in RFC 3339 with nanoseconds>", unique
	EntityType    string
	EntityID      string
	PerceivedAtNS int64
	State         string
	Observation   *domain.Observation
}

var observationTableSchema = &memdb.TableSchema{
	Name: observationTableName,
	Indexes: map[string]*memdb.IndexSchema{
		"id": {
			Name:    "id",
			Unique:  true,
			Indexer: &memdb.StringFieldIndex{Field: "Key"},
		},
		"entity": {
			Name:   "entity",
			Unique: false,
			Indexer: &memdb.CompoundIndex{
				Indexes: []memdb.Indexer{
					&memdb.StringFieldIndex{Field: "EntityType"},
					&memdb.StringFieldIndex{Field: "EntityID"},
				},
			},
		},
		all: allIndex,
	},
}

// pendingMarkerRow marks that a version has an unresolved observation
// ahead of it in arrival order on this chain (spec §4.8 step 3, and the
// open question on where "has-pending-event" markers live — decided in
// DESIGN.md to key them on (version, observation) pairs rather than
// (version, event) pairs, since the contention they guard against is
// observation arrival order, not event application order).
type pendingMarkerRow struct {
	Key         string // "<versionID>|<perceivedAt in RFC 3339 with nanoseconds>"
	VersionID   string
	PerceivedAt int64
}

var pendingMarkerSchema = &memdb.TableSchema{
	Name: pendingMarkerTable,
	Indexes: map[string]*memdb.IndexSchema{
		"id": {
			Name:    "id",
			Unique:  true,
			Indexer: &memdb.StringFieldIndex{Field: "Key"},
		},
		"version": {
			Name:    "version",
			Unique:  false,
			Indexer: &memdb.StringFieldIndex{Field: "VersionID"},
		},
		all: allIndex,
	},
}

func newSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			versionTableName:     versionTableSchema,
			linkTableName:        linkTableSchema,
			observationTableName: observationTableSchema,
			pendingMarkerTable:   pendingMarkerSchema,
		},
	}
}
