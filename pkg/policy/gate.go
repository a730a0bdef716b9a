// Package policy authorizes resolved routing decisions against family rules
// and the global kill switches.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zen-systems/modelgate/pkg/config"
	"github.com/zen-systems/modelgate/pkg/routeerr"
	"github.com/zen-systems/modelgate/pkg/router"
)

// Flags are the global kill switches, threaded through each call.
type Flags struct {
	Lockdown          bool `json:"lockdown"`
	EmergencyOverride bool `json:"emergency_override"`
}

// OverridesPermitted reports whether ad-hoc overrides may apply. Both
// lockdown off and emergency override on are required.
func (f Flags) OverridesPermitted() bool {
	return !f.Lockdown && f.EmergencyOverride
}

// Force carries the caller's ad-hoc overrides.
type Force struct {
	Model        string `json:"model,omitempty"`
	Provider     string `json:"provider,omitempty"`
	FamilyEscape bool   `json:"family_escape,omitempty"`
}

// Empty reports whether no override is requested.
func (f Force) Empty() bool {
	return f.Model == "" && f.Provider == "" && !f.FamilyEscape
}

// Request is one authorization.
type Request struct {
	Decision *router.Decision
	Force    Force
	Flags    Flags
}

// Gate applies the policy rules in a fixed order: deny-list scan, lockdown,
// forced candidates, family exclusivity, local and deferral gating.
type Gate struct {
	snap     *config.Snapshot
	resolver *router.Resolver
	logger   *zap.Logger
}

// NewGate creates a gate bound to a snapshot. The resolver is used for
// capability checks on forced models.
func NewGate(snap *config.Snapshot, resolver *router.Resolver, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{snap: snap, resolver: resolver, logger: logger}
}

// Authorize returns a new Decision carrying the allowed candidates, or a
// *routeerr.PolicyViolation. Forced references that cannot be resolved yield
// a *routeerr.ResolutionError. The input decision is never modified.
func (g *Gate) Authorize(req Request) (*router.Decision, error) {
	if req.Decision == nil {
		return nil, errors.New("policy: decision is required")
	}
	d := req.Decision.Clone()
	task := d.Task
	d.Policy.Lockdown = req.Flags.Lockdown
	d.Policy.EmergencyOverride = req.Flags.EmergencyOverride

	if err := g.scanDenyList(task, req.Force, d.Options); err != nil {
		return nil, err
	}

	if !req.Force.Empty() && !req.Flags.OverridesPermitted() {
		return nil, routeerr.Policyf(task, routeerr.RuleLockdown,
			"ad-hoc override refused (%s): %s", describeForce(req.Force), lockdownReason(req.Flags))
	}

	if req.Force.Model != "" || req.Force.Provider != "" {
		if err := g.applyForce(d, req.Force); err != nil {
			return nil, err
		}
	}

	if d.Protected {
		if req.Force.FamilyEscape {
			d.Policy.FamilyBypass = true
			d.Policy.Notes = append(d.Policy.Notes, "family_bypass")
			g.logger.Warn("Family exclusivity bypassed",
				zap.String("task", task),
				zap.String("family", d.Family),
				zap.Strings("candidates", d.Models()),
			)
		} else {
			if err := applyExclusivity(d); err != nil {
				return nil, err
			}
		}
	}

	switch d.Mode {
	case config.ModePrivilegedLocal:
		if !router.MatchAny(g.snap.Local().AllowedTasks, task) {
			return nil, routeerr.Policyf(task, routeerr.RuleLocalNotAllowed,
				"task is not allowed to run on the privileged local backend")
		}
	case config.ModeDeferred:
		fam, _ := g.snap.Family(d.Family)
		if d.Protected && !fam.AllowDeferral {
			return nil, routeerr.Policyf(task, routeerr.RuleDeferralForbidden,
				"family %q does not allow deferral", d.Family)
		}
	}

	return d, nil
}

// ScanForced checks the caller's forced model, forced provider and option
// values against the deny list. It runs before resolution so a deny-listed
// value is reported as a policy violation whatever else is wrong with the
// request.
func ScanForced(snap *config.Snapshot, task string, force Force, options map[string]string) error {
	return scanValues(snap, task, force, options)
}

func (g *Gate) scanDenyList(task string, force Force, options map[string]string) error {
	return scanValues(g.snap, task, force, options)
}

func scanValues(snap *config.Snapshot, task string, force Force, options map[string]string) error {
	deny := snap.Policy().DenySubstrings
	if len(deny) == 0 {
		return nil
	}
	values := []string{force.Model, force.Provider}
	for _, v := range options {
		values = append(values, v)
	}
	return scan(task, deny, values...)
}

func scan(task string, deny []string, values ...string) error {
	for _, v := range values {
		if v == "" {
			continue
		}
		lower := strings.ToLower(v)
		for _, bad := range deny {
			if bad != "" && strings.Contains(lower, strings.ToLower(bad)) {
				return routeerr.Policyf(task, routeerr.RuleDenyList,
					"forced value %q matches deny-listed substring %q", v, bad)
			}
		}
	}
	return nil
}

func (g *Gate) applyForce(d *router.Decision, force Force) error {
	task := d.Task
	if force.Provider != "" {
		if _, ok := g.snap.Provider(force.Provider); !ok {
			return routeerr.Resolutionf(task, "unknown forced provider %q", force.Provider)
		}
	}

	if force.Model != "" {
		key, err := g.snap.LookupModel(force.Model)
		if err != nil {
			var rerr *routeerr.ResolutionError
			if errors.As(err, &rerr) {
				rerr.Task = task
			}
			return err
		}
		cand := router.BuildCandidate(g.snap, key)
		// The resolved backend id is scanned too: an alias may hide it.
		if err := scan(task, g.snap.Policy().DenySubstrings, key, cand.BackendModelID); err != nil {
			return err
		}
		if force.Provider != "" && cand.Provider != force.Provider {
			return routeerr.Resolutionf(task, "forced model %q is served by %q, not %q", key, cand.Provider, force.Provider)
		}
		if g.resolver != nil {
			if err := g.resolver.CheckCapabilities(task, []string{key}, d.Requires); err != nil {
				return err
			}
		}
		d.Chain = []string{key}
		d.Candidates = []router.Candidate{cand}
		d.Offset = 0
		d.Source = router.SourceForced
		d.Policy.Forced = true
		d.Policy.Notes = append(d.Policy.Notes, "forced_model="+key)
		return nil
	}

	var kept []router.Candidate
	for _, c := range d.Candidates {
		if c.Provider == force.Provider {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return routeerr.Resolutionf(task, "no candidate in the resolved chain is served by forced provider %q", force.Provider)
	}
	d.Candidates = kept
	d.Policy.Forced = true
	d.Policy.Notes = append(d.Policy.Notes, "forced_provider="+force.Provider)
	return nil
}

// applyExclusivity drops candidates whose provider is not allowed for the
// family. The set is only ever narrowed.
func applyExclusivity(d *router.Decision) error {
	allowed := make(map[string]struct{}, len(d.Policy.AllowedProviders))
	for _, p := range d.Policy.AllowedProviders {
		allowed[p] = struct{}{}
	}
	var kept []router.Candidate
	var dropped []string
	for _, c := range d.Candidates {
		if _, ok := allowed[c.Provider]; ok {
			kept = append(kept, c)
		} else {
			dropped = append(dropped, c.Model)
		}
	}
	if len(kept) == 0 {
		return routeerr.Policyf(d.Task, routeerr.RuleFamilyExclusivity,
			"no candidate is served by a provider allowed for family %q (allowed: %s)",
			d.Family, strings.Join(d.Policy.AllowedProviders, ", "))
	}
	if len(dropped) > 0 {
		d.Policy.Notes = append(d.Policy.Notes, "excluded="+strings.Join(dropped, ","))
	}
	d.Candidates = kept
	return nil
}

func describeForce(f Force) string {
	var parts []string
	if f.Model != "" {
		parts = append(parts, "model="+f.Model)
	}
	if f.Provider != "" {
		parts = append(parts, "provider="+f.Provider)
	}
	if f.FamilyEscape {
		parts = append(parts, "family_escape")
	}
	return strings.Join(parts, " ")
}

func lockdownReason(f Flags) string {
	switch {
	case f.Lockdown && !f.EmergencyOverride:
		return "lockdown is active and no emergency override was given"
	case f.Lockdown:
		return "lockdown is active; emergency override alone is insufficient"
	default:
		return fmt.Sprintf("lockdown is off but emergency override is %t", f.EmergencyOverride)
	}
}
