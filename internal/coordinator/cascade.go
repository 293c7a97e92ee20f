package coordinator

import (
	"context"
	"encoding/hex"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
)

// cascadeState is the task-local state threaded through a single
// SYNC_MODE_CASCADE chain: the recursion depth reached so far and the set
// of (domain, root) pairs already visited, used for the cycle-detection
// policy recorded in SPEC_FULL.md Part E.2. Spec §9 calls for "a depth
// counter carried in task-local state" rather than a real call stack,
// since the execution model is cooperative tasks, not native recursion.
type cascadeState struct {
	depth   int
	visited map[string]struct{}
}

type cascadeStateKeyType struct{}

var cascadeStateKey cascadeStateKeyType

func streamKeyString(cover *angzarrpb.Cover) string {
	return cover.GetDomain() + "/" + hex.EncodeToString(cover.GetRoot().GetValue())
}

// withCascade returns a context carrying a fresh cascade state (depth 0,
// empty visited set) -- called once, at the top of a SubmitCommand entry
// that selects SYNC_MODE_CASCADE.
func withCascade(ctx context.Context) context.Context {
	return context.WithValue(ctx, cascadeStateKey, &cascadeState{visited: make(map[string]struct{})})
}

func cascadeFrom(ctx context.Context) (*cascadeState, bool) {
	cs, ok := ctx.Value(cascadeStateKey).(*cascadeState)
	return cs, ok
}

// descend marks cover as visited and returns the child cascadeState for the
// recursive call plus an error if depth or cycle limits were already hit. It does
// not mutate the parent's state in place -- each descent gets its own copy
// of the visited set extended by cover -- so sibling branches of the
// cascade do not see each other's visits (cycle detection is per lineage,
// not per whole cascade), matching a straightforward reading of "the set
// of (domain, root) pairs already visited in this cascade's task-local
// context".
func (cs *cascadeState) descend(cover *angzarrpb.Cover, maxDepth int) (*cascadeState, error) {
	if cs.depth+1 > maxDepth {
		return nil, errCascadeDepthExceeded
	}
	key := streamKeyString(cover)
	if _, seen := cs.visited[key]; seen {
		return nil, errCascadeCycleDetected
	}
	next := &cascadeState{depth: cs.depth + 1, visited: make(map[string]struct{}, len(cs.visited)+1)}
	for k := range cs.visited {
		next.visited[k] = struct{}{}
	}
	next.visited[key] = struct{}{}
	return next, nil
}

// withDescended returns a context carrying next in place of the current
// cascade state, for the context passed to a recursive Route call.
func withDescended(ctx context.Context, next *cascadeState) context.Context {
	return context.WithValue(ctx, cascadeStateKey, next)
}
