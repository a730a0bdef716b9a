package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot is an immutable, validated view of the merged routing config.
// Accessors return copies so callers cannot mutate shared state.
type Snapshot struct {
	file     RoutingFile
	sources  []string
	digest   string
	loadedAt time.Time
}

// Load reads base and deep-merges each overlay that exists onto it.
// A missing base is an error; a missing overlay is skipped. The merged
// document is decoded strictly and validated before a Snapshot is returned.
func Load(base string, overlays ...string) (*Snapshot, error) {
	root, err := readNode(base)
	if err != nil {
		return nil, fmt.Errorf("read base config %s: %w", base, err)
	}
	sources := []string{base}

	for _, path := range overlays {
		if path == "" {
			continue
		}
		node, err := readNode(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read overlay %s: %w", path, err)
		}
		root = mergeNodes(root, node)
		sources = append(sources, path)
	}

	stripMergeTags(root)
	merged, err := yaml.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}
	snap, err := Parse(merged)
	if err != nil {
		return nil, err
	}
	snap.sources = sources
	return snap, nil
}

// Parse decodes and validates a single routing document.
func Parse(data []byte) (*Snapshot, error) {
	var file RoutingFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode routing config: %w", err)
	}

	applyRoutingDefaults(&file)
	if errs := file.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid routing config: %w", errors.Join(errs...))
	}

	sum := sha256.Sum256(data)
	return &Snapshot{
		file:     file,
		digest:   hex.EncodeToString(sum[:])[:16],
		loadedAt: time.Now().UTC(),
	}, nil
}

func readNode(path string) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if node.Kind == 0 {
		return &yaml.Node{Kind: yaml.DocumentNode}, nil
	}
	return &node, nil
}

// Digest identifies the merged document content.
func (s *Snapshot) Digest() string { return s.digest }

// Sources lists the files merged into the snapshot, base first.
func (s *Snapshot) Sources() []string { return cloneStrings(s.sources) }

// LoadedAt reports when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// DefaultTier is the tier used when neither override nor family names one.
func (s *Snapshot) DefaultTier() string { return s.file.DefaultTier }

// DefaultSlot is the routing slot used when the caller passes none.
func (s *Snapshot) DefaultSlot() int { return s.file.DefaultSlot }

// DefaultExecSlot is the exec slot used when the caller passes none.
func (s *Snapshot) DefaultExecSlot() int { return s.file.DefaultExecSlot }

// Retry returns the transient retry settings.
func (s *Snapshot) Retry() RetryConfig { return s.file.Retry }

// Local returns the privileged local backend settings.
func (s *Snapshot) Local() LocalDef {
	l := s.file.Local
	l.Command = cloneStrings(l.Command)
	l.AllowedTasks = cloneStrings(l.AllowedTasks)
	return l
}

// Policy returns the policy rule data.
func (s *Snapshot) Policy() PolicyDef {
	return PolicyDef{
		DenySubstrings:     cloneStrings(s.file.Policy.DenySubstrings),
		OptionCapabilities: cloneStringMap(s.file.Policy.OptionCapabilities),
	}
}

// Tiers returns every tier definition.
func (s *Snapshot) Tiers() map[string]TierDef {
	out := make(map[string]TierDef, len(s.file.Tiers))
	for name := range s.file.Tiers {
		out[name], _ = s.Tier(name)
	}
	return out
}

// Tier looks up one tier.
func (s *Snapshot) Tier(name string) (TierDef, bool) {
	t, ok := s.file.Tiers[name]
	if !ok {
		return TierDef{}, false
	}
	t.Models = cloneStrings(t.Models)
	return t, true
}

// Models returns every model definition.
func (s *Snapshot) Models() map[string]ModelDef {
	out := make(map[string]ModelDef, len(s.file.Models))
	for key := range s.file.Models {
		out[key], _ = s.Model(key)
	}
	return out
}

// Model looks up a model by exact key.
func (s *Snapshot) Model(key string) (ModelDef, bool) {
	m, ok := s.file.Models[key]
	if !ok {
		return ModelDef{}, false
	}
	m.Capabilities = cloneStrings(m.Capabilities)
	return m, true
}

// ModelKeys returns the sorted model keys.
func (s *Snapshot) ModelKeys() []string {
	return sortedKeys(s.file.Models)
}

// Capabilities returns the effective capability set of a model: its own
// capabilities plus those of its provider.
func (s *Snapshot) Capabilities(modelKey string) map[string]bool {
	caps := make(map[string]bool)
	m, ok := s.file.Models[modelKey]
	if !ok {
		return caps
	}
	for _, c := range m.Capabilities {
		caps[c] = true
	}
	for _, c := range s.file.Providers[m.Provider].Capabilities {
		caps[c] = true
	}
	return caps
}

// Providers returns every provider definition.
func (s *Snapshot) Providers() map[string]ProviderDef {
	out := make(map[string]ProviderDef, len(s.file.Providers))
	for name := range s.file.Providers {
		out[name], _ = s.Provider(name)
	}
	return out
}

// Provider looks up one provider.
func (s *Snapshot) Provider(name string) (ProviderDef, bool) {
	p, ok := s.file.Providers[name]
	if !ok {
		return ProviderDef{}, false
	}
	p.Capabilities = cloneStrings(p.Capabilities)
	return p, true
}

// Families returns every task family definition.
func (s *Snapshot) Families() map[string]FamilyDef {
	out := make(map[string]FamilyDef, len(s.file.Families))
	for name := range s.file.Families {
		out[name], _ = s.Family(name)
	}
	return out
}

// Family looks up one family.
func (s *Snapshot) Family(name string) (FamilyDef, bool) {
	f, ok := s.file.Families[name]
	if !ok {
		return FamilyDef{}, false
	}
	f.Patterns = cloneStrings(f.Patterns)
	f.AllowedProviders = cloneStrings(f.AllowedProviders)
	f.Requires = cloneStrings(f.Requires)
	return f, true
}

// TaskOverrides returns every task override.
func (s *Snapshot) TaskOverrides() map[string]TaskOverride {
	out := make(map[string]TaskOverride, len(s.file.TaskOverrides))
	for name := range s.file.TaskOverrides {
		out[name], _ = s.TaskOverride(name)
	}
	return out
}

// TaskOverride looks up the override for a task.
func (s *Snapshot) TaskOverride(task string) (TaskOverride, bool) {
	o, ok := s.file.TaskOverrides[task]
	if !ok {
		return TaskOverride{}, false
	}
	o.Models = cloneStrings(o.Models)
	o.Options = cloneStringMap(o.Options)
	o.Requires = cloneStrings(o.Requires)
	return o, true
}

// Slots returns every routing slot.
func (s *Snapshot) Slots() map[int]SlotDef {
	out := make(map[int]SlotDef, len(s.file.Slots))
	for n := range s.file.Slots {
		out[n], _ = s.Slot(n)
	}
	return out
}

// Slot looks up a routing slot.
func (s *Snapshot) Slot(n int) (SlotDef, bool) {
	slot, ok := s.file.Slots[n]
	if !ok {
		return SlotDef{}, false
	}
	cp := SlotDef{Description: slot.Description, Tiers: cloneChains(slot.Tiers)}
	if slot.Families != nil {
		cp.Families = make(map[string]SlotFamilyDef, len(slot.Families))
		for name, fam := range slot.Families {
			cp.Families[name] = SlotFamilyDef{
				Tiers:            cloneChains(fam.Tiers),
				AllowedProviders: cloneStrings(fam.AllowedProviders),
				Exclusive:        fam.Exclusive,
			}
		}
	}
	return cp, true
}

// ExecSlots returns every exec slot.
func (s *Snapshot) ExecSlots() map[int]ExecSlotDef {
	out := make(map[int]ExecSlotDef, len(s.file.ExecSlots))
	for n, def := range s.file.ExecSlots {
		out[n] = def
	}
	return out
}

// ExecSlot looks up an exec slot.
func (s *Snapshot) ExecSlot(n int) (ExecSlotDef, bool) {
	def, ok := s.file.ExecSlots[n]
	return def, ok
}

// Aliases returns a copy of the model alias table.
func (s *Snapshot) Aliases() map[string]string {
	return cloneStringMap(s.file.Aliases)
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneChains(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = cloneStrings(v)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
