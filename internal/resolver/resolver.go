// Package resolver decides between two versions of the same entity during
// reconciliation. It is a pure function over timestamps with no side effects.
package resolver

import "time"

// Revision is any entity version that can be compared by modification time.
// Both model.Note and model.Group satisfy this.
type Revision interface {
	ModifiedAt() time.Time
}

// Strategy selects how a conflict between a local and a remote revision
// is resolved.
type Strategy string

const (
	// PreferLocal always keeps the local revision.
	PreferLocal Strategy = "local"
	// PreferRemote always keeps the remote revision.
	PreferRemote Strategy = "remote"
	// PreferLatest keeps the revision with the strictly greater updated_at.
	// Ties resolve to remote. This matches the behavior of the deployed
	// clients: two writers committing with identical timestamps converge on
	// the remote copy, so the local change is dropped silently.
	PreferLatest Strategy = "latest"
)

// Resolve returns the winning revision.
//
// With PreferLatest the comparison is on the parsed instants, not on string
// representations, so sub-second precision and time zones are honored.
// An unknown strategy behaves like PreferLatest.
func Resolve(local, remote Revision, strategy Strategy) Revision {
	switch strategy {
	case PreferLocal:
		return local
	case PreferRemote:
		return remote
	}
	if local.ModifiedAt().After(remote.ModifiedAt()) {
		return local
	}
	return remote
}

// RemoteWins reports whether the remote revision would replace the local one
// under the given strategy.
func RemoteWins(local, remote Revision, strategy Strategy) bool {
	return Resolve(local, remote, strategy) == remote
}
