package routeerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"resolution", Resolutionf("script_outline", "unknown tier %q", "x"), ClassResolution},
		{"wrapped policy", fmt.Errorf("dispatch: %w", Policyf("t", RuleLockdown, "blocked")), ClassPolicy},
		{"provider", &ProviderError{Provider: "openai", Model: "gpt", Err: errors.New("boom")}, ClassProvider},
		{"stale", &StalenessError{RecordID: "abc", Expected: "1", Actual: "2"}, ClassStaleness},
		{"plain", errors.New("disk full"), ClassInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ClassOf(tt.err))
		})
	}
}

func TestResolutionErrorListsMatches(t *testing.T) {
	err := &ResolutionError{Task: "t", Reason: "ambiguous model reference \"gpt\"", Matches: []string{"gpt-a", "gpt-b"}}
	require.Contains(t, err.Error(), "gpt-a, gpt-b")
}

func TestProviderErrorUnwraps(t *testing.T) {
	inner := errors.New("timeout")
	err := &ProviderError{Provider: "p", Model: "m", Err: inner}
	require.ErrorIs(t, err, inner)
}
