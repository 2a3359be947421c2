package sync

import (
	"sort"

	"github.com/classpad/classwork-engine/internal/models"
)

// MergeAssignments merges the authoritative remote list with the last-known
// local list. The field precedence rule lives here and nowhere else:
//
//   - a record present remotely takes every field from the remote copy
//     except the device-local completion status, which comes from the local
//     match (default: unfinished);
//   - records present only locally without a store id were created offline
//     and are kept as-is;
//   - records present only locally with a store id were deleted remotely
//     and are dropped, unless they carry a local tombstone still awaiting
//     replay.
//
// The merge is idempotent: merging a merged list with the same remote list
// again yields the same result.
func MergeAssignments(local, remote []*models.Assignment) []*models.Assignment {
	byCanonical := make(map[string]*models.Assignment, len(local))
	byStore := make(map[string]*models.Assignment, len(local))
	for _, a := range local {
		if a.CanonicalID != "" {
			byCanonical[a.CanonicalID] = a
		}
		if a.StoreID != "" {
			byStore[a.StoreID] = a
		}
	}

	matched := make(map[*models.Assignment]bool, len(local))
	merged := make([]*models.Assignment, 0, len(remote)+len(local))

	for _, r := range remote {
		l := byCanonical[r.CanonicalID]
		if l == nil {
			l = byStore[r.StoreID]
		}
		if l != nil {
			matched[l] = true
		}
		merged = append(merged, mergeAssignment(r, l))
	}

	for _, l := range local {
		if matched[l] {
			continue
		}
		if !l.HasStoreID() || l.Deleted {
			merged = append(merged, normalizeLocal(l))
		}
	}

	sortAssignments(merged)
	return merged
}

// mergeAssignment takes all fields from the remote record except the
// device-local completion status, which is preserved from the local match.
func mergeAssignment(remote, local *models.Assignment) *models.Assignment {
	out := remote.Clone()
	out.Status = models.StatusUnfinished
	out.Dirty = false
	out.Deleted = false
	if local != nil {
		if local.Status != "" {
			out.Status = local.Status
		}
		// a local tombstone survives the merge until replay confirms
		// the remote delete
		if local.Deleted {
			out.Deleted = local.Deleted
			out.Dirty = local.Dirty
		}
	}
	return out
}

func normalizeLocal(l *models.Assignment) *models.Assignment {
	out := l.Clone()
	if out.Status == "" {
		out.Status = models.StatusUnfinished
	}
	return out
}

// cloneAssignments deep-copies a list so it can leave the session lock
func cloneAssignments(list []*models.Assignment) []*models.Assignment {
	out := make([]*models.Assignment, len(list))
	for i, a := range list {
		out[i] = a.Clone()
	}
	return out
}

// sortAssignments orders the canonical view deterministically
func sortAssignments(list []*models.Assignment) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Deadline.Equal(list[j].Deadline) {
			return list[i].Deadline.Before(list[j].Deadline)
		}
		return list[i].CanonicalID < list[j].CanonicalID
	})
}

// VisibleView filters tombstoned records out of a merged list
func VisibleView(list []*models.Assignment) []*models.Assignment {
	out := make([]*models.Assignment, 0, len(list))
	for _, a := range list {
		if a.Deleted {
			continue
		}
		out = append(out, a)
	}
	return out
}
