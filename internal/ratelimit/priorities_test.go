package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyEndpoint(t *testing.T) {
	cases := []struct {
		endpoint string
		want     Priority
	}{
		{"event/12/live/", PriorityCritical},
		{"/event/12/live/", PriorityCritical},
		{"fixtures/", PriorityCritical},
		{"entry/4242/", PriorityHigh},
		{"leagues-h2h-matches/league/99/", PriorityHigh},
		{"leagues-h2h/99/standings/", PriorityHigh},
		{"leagues-classic/99/standings/", PriorityMedium},
		{"element-summary/301/", PriorityMedium},
		{"bootstrap-static/", PriorityLow},
		{"dream-team/12/", PriorityLow},
		{"something-new/", DefaultPriority},
		{"", DefaultPriority},
	}

	for _, tc := range cases {
		assert.Equalf(t, tc.want, ClassifyEndpoint(tc.endpoint), "endpoint %q", tc.endpoint)
	}
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "critical", PriorityCritical.String())
	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "unknown", Priority(9).String())
	assert.False(t, Priority(9).valid())
	assert.True(t, PriorityMedium.valid())
}
