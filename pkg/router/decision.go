package router

import (
	"time"

	"github.com/zen-systems/modelgate/pkg/config"
)

// Source names the precedence level that produced a chain.
type Source string

const (
	SourceOverride    Source = "task_override"
	SourceSlotFamily  Source = "slot_family"
	SourceSlot        Source = "slot"
	SourceTierDefault Source = "tier_default"
	SourceForced      Source = "forced"
)

// Candidate is one model in a resolved chain.
type Candidate struct {
	Model          string `json:"model"`
	Provider       string `json:"provider"`
	ProviderKind   string `json:"provider_kind"`
	BackendModelID string `json:"backend_model_id"`
}

// PolicyState records which flags and exceptions shaped a decision.
type PolicyState struct {
	Lockdown          bool     `json:"lockdown"`
	EmergencyOverride bool     `json:"emergency_override"`
	Forced            bool     `json:"forced,omitempty"`
	FamilyBypass      bool     `json:"family_bypass,omitempty"`
	AllowedProviders  []string `json:"allowed_providers,omitempty"`
	Notes             []string `json:"notes,omitempty"`
}

// Decision is the fully expanded result of one resolution pass. It is not
// mutated after it is returned; the policy gate produces a new Decision.
type Decision struct {
	Task              string            `json:"task"`
	Family            string            `json:"family,omitempty"`
	Protected         bool              `json:"protected,omitempty"`
	Tier              string            `json:"tier,omitempty"`
	Source            Source            `json:"source"`
	CursorKey         string            `json:"cursor_key"`
	Chain             []string          `json:"chain"`
	Offset            int               `json:"offset"`
	Candidates        []Candidate       `json:"candidates"`
	Slot              int               `json:"slot"`
	ExecSlot          int               `json:"exec_slot"`
	Mode              config.ExecMode   `json:"mode"`
	DeferOnExhaustion bool              `json:"defer_on_exhaustion,omitempty"`
	Timeout           time.Duration     `json:"timeout,omitempty"`
	Requires          []string          `json:"requires,omitempty"`
	Options           map[string]string `json:"options,omitempty"`
	Policy            PolicyState       `json:"policy"`
	ConfigDigest      string            `json:"config_digest"`
}

// Models returns the rotated candidate model keys in try order.
func (d *Decision) Models() []string {
	out := make([]string, len(d.Candidates))
	for i, c := range d.Candidates {
		out[i] = c.Model
	}
	return out
}

// Clone returns a deep copy.
func (d *Decision) Clone() *Decision {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Chain = append([]string(nil), d.Chain...)
	cp.Candidates = append([]Candidate(nil), d.Candidates...)
	cp.Requires = append([]string(nil), d.Requires...)
	if d.Options != nil {
		cp.Options = make(map[string]string, len(d.Options))
		for k, v := range d.Options {
			cp.Options[k] = v
		}
	}
	cp.Policy.AllowedProviders = append([]string(nil), d.Policy.AllowedProviders...)
	cp.Policy.Notes = append([]string(nil), d.Policy.Notes...)
	return &cp
}
