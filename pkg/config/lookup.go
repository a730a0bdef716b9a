package config

import (
	"sort"
	"strings"

	"github.com/zen-systems/modelgate/pkg/routeerr"
)

// LookupModel resolves an external model reference to a model key.
// Resolution order: alias, exact model key, exact backend model id, then a
// partial (substring) match on model keys and backend ids. Partial matches are
// accepted only when exactly one model matches; ambiguity is an error.
func (s *Snapshot) LookupModel(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", &routeerr.ResolutionError{Reason: "empty model reference"}
	}
	if canonical, ok := s.file.Aliases[ref]; ok {
		return canonical, nil
	}
	if _, ok := s.file.Models[ref]; ok {
		return ref, nil
	}

	var byBackend []string
	for key, m := range s.file.Models {
		if m.BackendModelID == ref {
			byBackend = append(byBackend, key)
		}
	}
	if len(byBackend) == 1 {
		return byBackend[0], nil
	}
	if len(byBackend) > 1 {
		sort.Strings(byBackend)
		return "", &routeerr.ResolutionError{
			Reason:  "ambiguous backend model id " + quote(ref),
			Matches: byBackend,
		}
	}

	needle := strings.ToLower(ref)
	var partial []string
	for key, m := range s.file.Models {
		if strings.Contains(strings.ToLower(key), needle) ||
			strings.Contains(strings.ToLower(m.BackendModelID), needle) {
			partial = append(partial, key)
		}
	}
	sort.Strings(partial)
	switch len(partial) {
	case 0:
		return "", &routeerr.ResolutionError{Reason: "unknown model reference " + quote(ref)}
	case 1:
		return partial[0], nil
	default:
		return "", &routeerr.ResolutionError{
			Reason:  "ambiguous model reference " + quote(ref),
			Matches: partial,
		}
	}
}

// ProviderForModel returns the provider name for a model key.
func (s *Snapshot) ProviderForModel(key string) string {
	return s.file.Models[key].Provider
}

// ListProviders returns a sorted list of provider names.
func (s *Snapshot) ListProviders() []string {
	return sortedKeys(s.file.Providers)
}

// ModelsForProvider returns the sorted model keys served by a provider.
func (s *Snapshot) ModelsForProvider(provider string) []string {
	var keys []string
	for key, m := range s.file.Models {
		if m.Provider == provider {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func quote(s string) string {
	return `"` + s + `"`
}
