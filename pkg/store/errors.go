package store

import "errors"

// ErrNotFound is returned when a version, link, or observation is not
// present in the store.
var ErrNotFound = errors.New("entity store: not found")

// ErrAlreadyExists is returned when inserting a version id that is already
// present.
var ErrAlreadyExists = errors.New("entity store: already exists")

// ErrNoLiveVersions names the case of an entity with no non-terminated
// version as of t — either it doesn't exist yet or every branch has been
// ruled out. LiveVersionsAt does not return it: it reports that case as
// an empty slice with a nil error.
var ErrNoLiveVersions = errors.New("entity store: no live versions")

const unexpectedType = "entity store: unexpected row type in memdb result"
