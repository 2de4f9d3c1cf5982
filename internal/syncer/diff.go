package syncer

import (
	"sort"
	"strings"

	"github.com/hostfleet/assetsync/internal/s3"
)

// SyncPlan is the reconciliation output: what to fetch and what to remove.
// It is a transient value, computed and consumed within one sync run.
type SyncPlan struct {
	ToDownload []s3.Object
	ToDelete   []LocalAsset
}

// Plan computes the symmetric difference between what the manifest permits,
// what the store offers and what the host holds. Pure function: identical
// inputs yield identical plans regardless of input ordering, and protected
// names are never scheduled for deletion.
func Plan(manifest *Manifest, remote []s3.Object, local []LocalAsset, protected []string, remotePrefix string) SyncPlan {
	have := make(map[string]struct{}, len(local))
	for _, a := range local {
		have[a.LogicalName()] = struct{}{}
	}
	exempt := make(map[string]struct{}, len(protected))
	for _, name := range protected {
		exempt[LogicalName(name)] = struct{}{}
	}

	var plan SyncPlan
	seen := make(map[string]struct{}, len(remote))
	for _, obj := range remote {
		name := LogicalName(strings.TrimPrefix(obj.Key, remotePrefix))
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if !manifest.Contains(name) {
			continue
		}
		if _, ok := have[name]; ok {
			continue
		}
		plan.ToDownload = append(plan.ToDownload, obj)
	}

	deleted := make(map[string]struct{}, len(local))
	for _, a := range local {
		name := a.LogicalName()
		if manifest.Contains(name) {
			continue
		}
		if _, ok := exempt[name]; ok {
			continue
		}
		if _, dup := deleted[a.Path]; dup {
			continue
		}
		deleted[a.Path] = struct{}{}
		plan.ToDelete = append(plan.ToDelete, a)
	}

	sort.Slice(plan.ToDownload, func(i, j int) bool { return plan.ToDownload[i].Key < plan.ToDownload[j].Key })
	sort.Slice(plan.ToDelete, func(i, j int) bool { return plan.ToDelete[i].Rel < plan.ToDelete[j].Rel })
	return plan
}
