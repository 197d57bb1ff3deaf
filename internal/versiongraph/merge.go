package versiongraph

import (
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// threeWayMerge applies the source branch's changes since the common
// ancestor onto the target branch's content. The patches carry context,
// so edits to disjoint regions apply cleanly even after the target
// moved; a patch that no longer finds its context means both branches
// touched the same region and the merge is rejected.
func threeWayMerge(base, target, source string) (string, error) {
	if target == source {
		return target, nil
	}
	if base == target {
		// Target has not moved since the fork; fast-forward content.
		return source, nil
	}
	if base == source {
		// Nothing new on the source side.
		return target, nil
	}

	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(base, source)
	merged, applied := dmp.PatchApply(patches, target)
	for i, ok := range applied {
		if !ok {
			return "", fmt.Errorf("patch %d of %d did not apply: %w", i+1, len(patches), ErrMergeConflict)
		}
	}
	return merged, nil
}
