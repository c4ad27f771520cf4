// Package merge reconciles local and remote collections keyed by stable
// identity, keeping the most recently updated version of each entity.
package merge

import (
	"time"
)

// Accessors extract the identity and update time of a collection element.
type Accessors[T any, K comparable] struct {
	Key       func(T) K
	UpdatedAt func(T) time.Time
}

// RemoteWins reports whether the remote version replaces the local one.
// Equal timestamps keep local.
func RemoteWins(localUpdatedAt, remoteUpdatedAt time.Time) bool {
	return remoteUpdatedAt.After(localUpdatedAt)
}

// Merge returns the union of local and remote. Where a key exists on both
// sides the greater updatedAt wins and local is kept verbatim on ties.
// Local order is preserved; remote-only elements follow in remote order.
func Merge[T any, K comparable](local, remote []T, acc Accessors[T, K]) []T {
	out := make([]T, 0, len(local)+len(remote))
	pos := make(map[K]int, len(local))
	for _, l := range local {
		k := acc.Key(l)
		if i, ok := pos[k]; ok {
			if RemoteWins(acc.UpdatedAt(out[i]), acc.UpdatedAt(l)) {
				out[i] = l
			}
			continue
		}
		pos[k] = len(out)
		out = append(out, l)
	}

	for _, r := range remote {
		k := acc.Key(r)
		i, ok := pos[k]
		if !ok {
			pos[k] = len(out)
			out = append(out, r)
			continue
		}
		if RemoteWins(acc.UpdatedAt(out[i]), acc.UpdatedAt(r)) {
			out[i] = r
		}
	}
	return out
}
