package sync

import (
	"context"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// DeletePlan lists the remote objects that have no local counterpart.
type DeletePlan struct {
	// Scanned is the number of remote objects seen.
	Scanned int
	Orphans []RemoteEntry
}

// PlanDeletions walks the remote tree under root and returns every object
// whose path is not in known and that keep does not protect. known must hold
// the remote path of every local file before this is called. A listing error
// anywhere aborts the plan: no partial result is returned.
func PlanDeletions(ctx context.Context, lister Lister, root string, known mapset.Set[string], keep func(remotePath string) bool, concurrency int) (*DeletePlan, error) {
	entries, errc := WalkRemote(ctx, lister, root, concurrency)

	plan := &DeletePlan{}
	for e := range entries {
		if e.Type != EntryObject {
			continue
		}
		plan.Scanned++
		if known.Contains(e.Path) {
			continue
		}
		if keep != nil && keep(e.Path) {
			continue
		}
		plan.Orphans = append(plan.Orphans, e)
	}
	if err := <-errc; err != nil {
		return nil, err
	}

	sort.Slice(plan.Orphans, func(i, j int) bool {
		return plan.Orphans[i].Path < plan.Orphans[j].Path
	})
	return plan, nil
}
