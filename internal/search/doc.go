// Package search is the coordination store for paginated search state.
//
// Each in-flight search is one durable record keyed by UUID. All mutation
// goes through the Store; callers hold snapshots only. The in-progress
// marker is claimed with a versioned compare-and-set so that, among racing
// "load the next page" callers across the cluster, exactly one proceeds.
package search
