package router

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/zen-systems/modelgate/pkg/config"
	"github.com/zen-systems/modelgate/pkg/cursor"
	"github.com/zen-systems/modelgate/pkg/routeerr"
)

// UseDefault selects the configured default slot or exec slot.
const UseDefault = -1

// CursorReader reads round-robin cursors. Resolution never writes them.
type CursorReader interface {
	Get(ctx context.Context, key string) (int, error)
}

// Request identifies one resolution.
type Request struct {
	Task     string
	Slot     int
	ExecSlot int
	// Options are caller-supplied call options; each may imply a capability.
	Options map[string]string
}

// Resolver turns a task name into an ordered candidate chain. For a fixed
// snapshot and cursor value the result is always the same.
type Resolver struct {
	snap     *config.Snapshot
	cursors  CursorReader
	families *FamilySet
	logger   *zap.Logger
}

// RouteInfo describes the effective chain for one task or family.
type RouteInfo struct {
	Task   string   `json:"task,omitempty"`
	Family string   `json:"family,omitempty"`
	Tier   string   `json:"tier,omitempty"`
	Source Source   `json:"source"`
	Chain  []string `json:"chain"`
	Error  string   `json:"error,omitempty"`
}

// NewResolver creates a resolver bound to one config snapshot.
func NewResolver(snap *config.Snapshot, cursors CursorReader, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		snap:     snap,
		cursors:  cursors,
		families: NewFamilySet(snap),
		logger:   logger,
	}
}

// Family returns the family a task belongs to, or "".
func (r *Resolver) Family(task string) string {
	return r.families.Match(task)
}

// Resolve applies the precedence rules (task override models, then the slot's
// family table, then the slot's generic table, then the tier's global chain),
// checks capabilities and rotates the chain by the cursor.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Decision, error) {
	task := req.Task
	if task == "" {
		return nil, routeerr.Resolutionf(task, "task name is required")
	}

	d := &Decision{
		Task:         task,
		Family:       r.families.Match(task),
		ConfigDigest: r.snap.Digest(),
	}
	famDef, _ := r.snap.Family(d.Family)
	d.Protected = famDef.Protected

	d.Slot = req.Slot
	if d.Slot == UseDefault {
		d.Slot = r.snap.DefaultSlot()
	}
	slotDef, hasSlot := r.snap.Slot(d.Slot)
	if !hasSlot && d.Slot != 0 {
		return nil, routeerr.Resolutionf(task, "unknown slot %d", d.Slot)
	}

	d.ExecSlot = req.ExecSlot
	if d.ExecSlot == UseDefault {
		d.ExecSlot = r.snap.DefaultExecSlot()
	}
	execDef, ok := r.snap.ExecSlot(d.ExecSlot)
	if !ok {
		return nil, routeerr.Resolutionf(task, "unknown exec slot %d", d.ExecSlot)
	}
	d.Mode = execDef.Mode
	d.DeferOnExhaustion = execDef.DeferOnExhaustion
	if execDef.TimeoutSeconds > 0 {
		d.Timeout = time.Duration(execDef.TimeoutSeconds) * time.Second
	}

	override, hasOverride := r.snap.TaskOverride(task)
	d.Options = mergeOptions(override.Options, req.Options)
	d.Requires = r.requirements(famDef.Requires, override.Requires, d.Options)

	var slotFam *config.SlotFamilyDef
	if hasSlot && d.Family != "" {
		if sf, ok := slotDef.Families[d.Family]; ok {
			slotFam = &sf
		}
	}
	d.Policy.AllowedProviders = famDef.AllowedProviders
	if slotFam != nil && len(slotFam.AllowedProviders) > 0 {
		d.Policy.AllowedProviders = slotFam.AllowedProviders
	}

	if hasOverride && len(override.Models) > 0 {
		d.Chain = override.Models
		d.Source = SourceOverride
		d.Tier = override.Tier
		d.CursorKey = cursor.TaskKey(task)
	} else {
		d.Tier = firstNonEmpty(override.Tier, famDef.DefaultTier, r.snap.DefaultTier())
		if d.Tier == "" {
			return nil, routeerr.Resolutionf(task, "no tier configured for task")
		}
		d.CursorKey = d.Tier

		if slotFam != nil {
			if chain, ok := slotFam.Tiers[d.Tier]; ok {
				d.Chain, d.Source = chain, SourceSlotFamily
			} else if slotFam.Exclusive {
				return nil, routeerr.Resolutionf(task,
					"slot %d family %q has no chain for tier %q and does not fall back", d.Slot, d.Family, d.Tier)
			}
		}
		if d.Chain == nil && hasSlot {
			if chain, ok := slotDef.Tiers[d.Tier]; ok {
				d.Chain, d.Source = chain, SourceSlot
			}
		}
		if d.Chain == nil {
			tier, ok := r.snap.Tier(d.Tier)
			if !ok {
				return nil, routeerr.Resolutionf(task, "unknown tier %q", d.Tier)
			}
			d.Chain, d.Source = tier.Models, SourceTierDefault
		}
	}

	if len(d.Chain) == 0 {
		return nil, routeerr.Resolutionf(task, "empty model chain (source %s)", d.Source)
	}
	if err := r.checkCapabilities(task, d.Chain, d.Requires); err != nil {
		return nil, err
	}

	next := 0
	if r.cursors != nil {
		v, err := r.cursors.Get(ctx, d.CursorKey)
		if err != nil {
			r.logger.Warn("Cursor read failed; starting at chain head",
				zap.String("cursor_key", d.CursorKey),
				zap.Error(err),
			)
		} else {
			next = v
		}
	}
	d.Offset = cursor.Offset(next, len(d.Chain))
	d.Candidates = make([]Candidate, 0, len(d.Chain))
	for i := range d.Chain {
		d.Candidates = append(d.Candidates, BuildCandidate(r.snap, d.Chain[(d.Offset+i)%len(d.Chain)]))
	}

	return d, nil
}

// CheckCapabilities verifies that every model satisfies requires.
func (r *Resolver) CheckCapabilities(task string, models []string, requires []string) error {
	return r.checkCapabilities(task, models, requires)
}

func (r *Resolver) checkCapabilities(task string, models []string, requires []string) error {
	for _, m := range models {
		if _, ok := r.snap.Model(m); !ok {
			return routeerr.Resolutionf(task, "unknown model %q", m)
		}
		caps := r.snap.Capabilities(m)
		for _, req := range requires {
			if !caps[req] {
				return routeerr.Resolutionf(task, "model %q lacks required capability %q", m, req)
			}
		}
	}
	return nil
}

func (r *Resolver) requirements(family, override []string, options map[string]string) []string {
	set := make(map[string]struct{})
	for _, c := range family {
		set[c] = struct{}{}
	}
	for _, c := range override {
		set[c] = struct{}{}
	}
	optCaps := r.snap.Policy().OptionCapabilities
	for opt := range options {
		if c, ok := optCaps[opt]; ok {
			set[c] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// BuildCandidate expands a model key into its provider binding.
func BuildCandidate(snap *config.Snapshot, modelKey string) Candidate {
	m, _ := snap.Model(modelKey)
	p, _ := snap.Provider(m.Provider)
	return Candidate{
		Model:          modelKey,
		Provider:       m.Provider,
		ProviderKind:   p.Kind,
		BackendModelID: m.BackendModelID,
	}
}

// Routes lists the effective chain for each task override and each family
// under slot, without rotation.
func (r *Resolver) Routes(ctx context.Context, slot int) []RouteInfo {
	var routes []RouteInfo
	add := func(task, family string) {
		d, err := r.Resolve(ctx, Request{Task: task, Slot: slot, ExecSlot: UseDefault})
		info := RouteInfo{Task: task, Family: family}
		if err != nil {
			info.Error = err.Error()
		} else {
			info.Tier, info.Source, info.Chain = d.Tier, d.Source, d.Chain
		}
		routes = append(routes, info)
	}

	overrides := r.snap.TaskOverrides()
	tasks := make([]string, 0, len(overrides))
	for task := range overrides {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)
	for _, task := range tasks {
		add(task, r.families.Match(task))
	}

	families := r.snap.Families()
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if len(families[name].Patterns) == 0 {
			continue
		}
		// A representative task name for the family's first pattern.
		add(sampleTask(families[name].Patterns[0]), name)
	}
	return routes
}

func sampleTask(pattern string) string {
	out := make([]rune, 0, len(pattern))
	for _, c := range pattern {
		switch c {
		case '*', '?':
			out = append(out, 'x')
		case '[', ']':
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

func mergeOptions(base, overlay map[string]string) map[string]string {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
