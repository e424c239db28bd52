package agentcache

import (
	"slices"
	"strconv"
	"strings"
)

// Fingerprint derives the canonical cache identity of a tool selection:
// the sorted, de-duplicated tool ids joined by commas. An empty selection
// yields the empty string.
//
// Two selections share an agent exactly when their fingerprints are equal —
// order and duplicates in the input do not matter.
func Fingerprint(toolIDs []int64) string {
	if len(toolIDs) == 0 {
		return ""
	}
	ids := slices.Clone(toolIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// containsComponent reports whether fp contains toolID as an exact
// component. Matching is per component, never substring: tool id 1 does not
// match fingerprints containing 10 or 11.
func containsComponent(fp string, toolID int64) bool {
	if fp == "" {
		return false
	}
	want := strconv.FormatInt(toolID, 10)
	for _, part := range strings.Split(fp, ",") {
		if part == want {
			return true
		}
	}
	return false
}
