package ratelimit

import "strings"

// Endpoint → priority classification. Callers that don't tag requests
// explicitly get the lane matching the endpoint template, so routine
// bootstrap fetches never crowd out live-match pulls.
//
// The table is matched by prefix against the endpoint path with the leading
// slash normalized away; first match wins, most specific entries first.
var endpointPriorities = []struct {
	prefix   string
	priority Priority
}{
	{"event/", PriorityCritical},         // in-play gameweek scores (event/{gw}/live/)
	{"fixtures", PriorityCritical},       // kickoff/final-whistle state
	{"entry/", PriorityHigh},             // manager picks and history
	{"leagues-h2h-matches", PriorityHigh},
	{"leagues-h2h", PriorityHigh},
	{"leagues-classic", PriorityMedium},
	{"element-summary", PriorityMedium},  // per-player detail
	{"bootstrap-static", PriorityLow},    // full reference dump, cacheable
	{"dream-team", PriorityLow},
}

// DefaultPriority is assigned to endpoints outside the classification table.
const DefaultPriority = PriorityMedium

// ClassifyEndpoint returns the priority lane for an upstream endpoint path.
func ClassifyEndpoint(endpoint string) Priority {
	e := strings.TrimPrefix(endpoint, "/")
	for _, entry := range endpointPriorities {
		if strings.HasPrefix(e, entry.prefix) {
			return entry.priority
		}
	}
	return DefaultPriority
}
