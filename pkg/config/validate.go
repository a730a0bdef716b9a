package config

import (
	"fmt"
	"path"
	"sort"
)

var providerKinds = map[string]struct{}{
	"anthropic":         {},
	"openai":            {},
	"google":            {},
	"deepseek":          {},
	"openai_compatible": {},
	"mock":              {},
	"local":             {},
}

// Validate checks referential integrity of the routing file.
// Returns a slice of validation errors (empty if all valid).
func (f *RoutingFile) Validate() []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(f.Providers) == 0 {
		add("no providers defined")
	}
	for _, name := range sortedKeys(f.Providers) {
		if _, ok := providerKinds[f.Providers[name].Kind]; !ok {
			add("provider %q: unknown kind %q", name, f.Providers[name].Kind)
		}
	}

	for _, key := range sortedKeys(f.Models) {
		m := f.Models[key]
		if _, ok := f.Providers[m.Provider]; !ok {
			add("model %q: unknown provider %q", key, m.Provider)
		}
		if m.BackendModelID == "" {
			add("model %q: backend_model_id is required", key)
		}
	}

	for _, alias := range sortedKeys(f.Aliases) {
		if _, ok := f.Models[f.Aliases[alias]]; !ok {
			add("alias %q: unknown model %q", alias, f.Aliases[alias])
		}
	}

	for _, name := range sortedKeys(f.Tiers) {
		t := f.Tiers[name]
		if len(t.Models) == 0 {
			add("tier %q: empty model chain", name)
		}
		errs = append(errs, f.checkChain(fmt.Sprintf("tier %q", name), t.Models)...)
	}

	if f.DefaultTier != "" {
		if _, ok := f.Tiers[f.DefaultTier]; !ok {
			add("default_tier: unknown tier %q", f.DefaultTier)
		}
	}

	for _, name := range sortedKeys(f.Families) {
		fam := f.Families[name]
		if len(fam.Patterns) == 0 {
			add("family %q: at least one pattern is required", name)
		}
		for _, p := range fam.Patterns {
			if _, err := path.Match(p, ""); err != nil {
				add("family %q: bad pattern %q: %v", name, p, err)
			}
		}
		if fam.DefaultTier != "" {
			if _, ok := f.Tiers[fam.DefaultTier]; !ok {
				add("family %q: unknown default tier %q", name, fam.DefaultTier)
			}
		}
		if fam.Protected && len(fam.AllowedProviders) == 0 {
			add("family %q: protected families must list allowed_providers", name)
		}
		for _, p := range fam.AllowedProviders {
			if _, ok := f.Providers[p]; !ok {
				add("family %q: unknown allowed provider %q", name, p)
			}
		}
	}

	for _, task := range sortedKeys(f.TaskOverrides) {
		o := f.TaskOverrides[task]
		if o.Tier != "" {
			if _, ok := f.Tiers[o.Tier]; !ok {
				add("task override %q: unknown tier %q", task, o.Tier)
			}
		}
		errs = append(errs, f.checkChain(fmt.Sprintf("task override %q", task), o.Models)...)
	}

	for _, n := range sortedInts(f.Slots) {
		slot := f.Slots[n]
		for _, tier := range sortedKeys(slot.Tiers) {
			if _, ok := f.Tiers[tier]; !ok {
				add("slot %d: unknown tier %q (generic tables may only name defined tiers)", n, tier)
			}
			errs = append(errs, f.checkChain(fmt.Sprintf("slot %d tier %q", n, tier), slot.Tiers[tier])...)
		}
		for _, famName := range sortedKeys(slot.Families) {
			if _, ok := f.Families[famName]; !ok {
				add("slot %d: unknown family %q", n, famName)
			}
			fam := slot.Families[famName]
			for _, tier := range sortedKeys(fam.Tiers) {
				errs = append(errs, f.checkChain(fmt.Sprintf("slot %d family %q tier %q", n, famName, tier), fam.Tiers[tier])...)
			}
			for _, p := range fam.AllowedProviders {
				if _, ok := f.Providers[p]; !ok {
					add("slot %d family %q: unknown allowed provider %q", n, famName, p)
				}
			}
		}
	}

	for _, n := range sortedInts(f.ExecSlots) {
		def := f.ExecSlots[n]
		if !def.Mode.Valid() {
			add("exec slot %d: unknown mode %q", n, def.Mode)
		}
		if def.TimeoutSeconds < 0 {
			add("exec slot %d: negative timeout", n)
		}
	}
	if _, ok := f.ExecSlots[f.DefaultExecSlot]; !ok {
		add("default_exec_slot: unknown exec slot %d", f.DefaultExecSlot)
	}
	if f.DefaultSlot != 0 {
		if _, ok := f.Slots[f.DefaultSlot]; !ok {
			add("default_slot: unknown slot %d", f.DefaultSlot)
		}
	}

	for _, p := range f.Local.AllowedTasks {
		if _, err := path.Match(p, ""); err != nil {
			add("local: bad allowed task pattern %q: %v", p, err)
		}
	}

	if f.Retry.MaxRetries < 0 {
		add("retry: max_retries must not be negative")
	}

	return errs
}

func (f *RoutingFile) checkChain(where string, chain []string) []error {
	var errs []error
	seen := make(map[string]struct{}, len(chain))
	for _, key := range chain {
		if _, ok := f.Models[key]; !ok {
			errs = append(errs, fmt.Errorf("%s: unknown model %q", where, key))
		}
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate model %q", where, key))
		}
		seen[key] = struct{}{}
	}
	return errs
}

func sortedInts[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
