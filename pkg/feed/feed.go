// Package feed exposes the recent changes of all tables of a registry as a
// single stream ordered by global version.
package feed

import (
	"cmp"
	"fmt"
	"slices"

	"metasdb/pkg/sdb"
)

// Source lists the tables a feed is read from; *sdb.Registry is one.
type Source interface {
	Tables() []sdb.Handle
}

// Since returns every change newer than version across all tables of src,
// ordered by version. It fails with dberrors.ErrFeedTruncated when any
// table has already overwritten a change the caller has not seen.
func Since(src Source, version uint64) ([]sdb.Change, error) {
	var out []sdb.Change
	for _, h := range src.Tables() {
		changes, err := h.Changes(version)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", h.Name(), err)
		}
		out = append(out, changes...)
	}

	slices.SortFunc(out, func(a, b sdb.Change) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return out, nil
}

// Last returns the highest version in changes, or since when changes is empty.
func Last(changes []sdb.Change, since uint64) uint64 {
	if len(changes) == 0 {
		return since
	}
	return changes[len(changes)-1].Version
}
