package sync

import (
	"context"
	"time"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/vclock"
)

// SuggestionTimeGap is the age difference above which the newer side of a
// conflict is suggested outright.
const SuggestionTimeGap = time.Hour

// Detection classifies a batch of remote ops against the local log.
type Detection struct {
	// NonConflicting ops are safe to apply, in input order.
	NonConflicting []oplog.Operation
	// Conflicts are grouped per entity, in order of first appearance.
	Conflicts []oplog.EntityConflict
	// Stale ops are already dominated by local history.
	Stale int
	// Duplicates carry a clock equal to local history.
	Duplicates int
}

// DetectConflicts compares each remote op with the local frontier of every
// entity it touches.
//
// The local frontier of an entity is its last tracked clock (or the
// snapshot clock when nothing is tracked) merged with the clocks of the
// pending local ops on it. A remote op the frontier dominates is stale and
// one it equals is a duplicate, whether or not local changes are pending.
// Concurrent ops only conflict on entities with pending local ops; without
// them the remote op is safe. Full-state ops are never classified here.
func (s *Service) DetectConflicts(ctx context.Context, remote []oplog.Operation) (*Detection, error) {
	pending, err := s.config.Store.GetUnsyncedByEntity(ctx)
	if err != nil {
		return nil, err
	}
	frontier, err := s.config.Store.GetEntityFrontier(ctx, "", "")
	if err != nil {
		return nil, err
	}
	snap, err := s.config.Store.LoadStateCache(ctx)
	if err != nil {
		return nil, err
	}
	var snapClock vclock.Clock
	if snap != nil {
		snapClock = snap.VectorClock
	}

	det := &Detection{}
	byKey := make(map[string]int)

	for _, op := range remote {
		if op.OpType.IsFullState() {
			det.NonConflicting = append(det.NonConflicting, op)
			continue
		}

		var (
			verdict     vclock.Ordering = vclock.LessThan
			conflictKey string
		)
		for _, key := range op.EntityKeys() {
			local := pending[key]
			baseline, tracked := frontier[key]
			if !tracked {
				baseline = snapClock
			}
			if len(local) == 0 && baseline.IsEmpty() {
				continue
			}

			localFrontier := baseline.Clone()
			for _, l := range local {
				localFrontier = vclock.Merge(localFrontier, l.VectorClock)
			}

			cmp := vclock.Compare(localFrontier, op.VectorClock)
			switch {
			case len(local) == 0 && cmp == vclock.Concurrent:
				cmp = vclock.LessThan
			case len(local) > 0 && cmp == vclock.LessThan && baseline.IsEmpty():
				// Pending ops without any history to compare against:
				// treat as concurrent rather than silently overwrite.
				cmp = vclock.Concurrent
			}
			if cmp == vclock.Concurrent {
				verdict = cmp
				conflictKey = key
				break
			}
			if verdict == vclock.LessThan {
				verdict = cmp
			}
		}

		switch verdict {
		case vclock.GreaterThan:
			det.Stale++
		case vclock.Equal:
			det.Duplicates++
		case vclock.Concurrent:
			i, ok := byKey[conflictKey]
			if !ok {
				typ, id, _ := oplog.ParseEntityKey(conflictKey)
				det.Conflicts = append(det.Conflicts, oplog.EntityConflict{
					EntityType: typ,
					EntityID:   id,
					LocalOps:   append([]oplog.Operation(nil), pending[conflictKey]...),
				})
				i = len(det.Conflicts) - 1
				byKey[conflictKey] = i
			}
			det.Conflicts[i].RemoteOps = append(det.Conflicts[i].RemoteOps, op)
		default:
			det.NonConflicting = append(det.NonConflicting, op)
		}
	}

	for i := range det.Conflicts {
		c := &det.Conflicts[i]
		c.SuggestedResolution = SuggestResolution(c.LocalOps, c.RemoteOps)
	}
	return det, nil
}

// SuggestResolution proposes a side for a conflict. It prefers the newer
// side when the edits are far apart, the surviving side of a delete, and
// the side that created the entity; anything else is left to the user.
func SuggestResolution(local, remote []oplog.Operation) oplog.Resolution {
	switch {
	case len(local) == 0:
		return oplog.ResolveRemote
	case len(remote) == 0:
		return oplog.ResolveLocal
	}

	localLatest, remoteLatest := latestTimestamp(local), latestTimestamp(remote)
	gap := time.Duration(localLatest-remoteLatest) * time.Millisecond
	if gap > SuggestionTimeGap {
		return oplog.ResolveLocal
	}
	if -gap > SuggestionTimeGap {
		return oplog.ResolveRemote
	}

	localDelete, remoteDelete := hasOpType(local, oplog.OpDelete), hasOpType(remote, oplog.OpDelete)
	if localDelete && !remoteDelete {
		return oplog.ResolveRemote
	}
	if remoteDelete && !localDelete {
		return oplog.ResolveLocal
	}

	localCreate, remoteCreate := hasOpType(local, oplog.OpCreate), hasOpType(remote, oplog.OpCreate)
	if localCreate && !remoteCreate {
		return oplog.ResolveLocal
	}
	if remoteCreate && !localCreate {
		return oplog.ResolveRemote
	}
	return oplog.ResolveManual
}

func latestTimestamp(ops []oplog.Operation) int64 {
	var latest int64
	for _, op := range ops {
		if op.Timestamp > latest {
			latest = op.Timestamp
		}
	}
	return latest
}

func hasOpType(ops []oplog.Operation, t oplog.OpType) bool {
	for _, op := range ops {
		if op.OpType == t {
			return true
		}
	}
	return false
}
