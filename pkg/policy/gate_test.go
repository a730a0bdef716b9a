package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/modelgate/pkg/config"
	"github.com/zen-systems/modelgate/pkg/routeerr"
	"github.com/zen-systems/modelgate/pkg/router"
)

const policyYAML = `
default_tier: standard
providers:
  anthropic: {kind: anthropic}
  openai: {kind: openai}
  local: {kind: local}
models:
  claude-sonnet: {provider: anthropic, backend_model_id: claude-sonnet-4-20250514}
  claude-preview: {provider: anthropic, backend_model_id: claude-next-preview}
  gpt-mini: {provider: openai, backend_model_id: gpt-4o-mini}
  gpt-4o: {provider: openai, backend_model_id: gpt-4o}
aliases:
  experimental: claude-preview
tiers:
  standard: {models: [claude-sonnet, gpt-mini]}
  openai_only: {models: [gpt-mini, gpt-4o]}
families:
  script:
    patterns: ["script_*"]
    protected: true
    allowed_providers: [anthropic]
  research:
    patterns: ["research_*"]
    protected: true
    allow_deferral: true
    allowed_providers: [anthropic]
task_overrides:
  script_openai:
    tier: openai_only
policy:
  deny_substrings: [preview, "gpt-3"]
local:
  command: [/usr/local/bin/local-infer]
  allowed_tasks: ["local_*", "script_local"]
exec_slots:
  0: {mode: api}
  2: {mode: deferred}
  3: {mode: privileged_local}
`

type fixture struct {
	snap     *config.Snapshot
	resolver *router.Resolver
	gate     *Gate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	snap, err := config.Parse([]byte(policyYAML))
	require.NoError(t, err)
	resolver := router.NewResolver(snap, nil, nil)
	return &fixture{snap: snap, resolver: resolver, gate: NewGate(snap, resolver, nil)}
}

func (f *fixture) decision(t *testing.T, task string, execSlot int) *router.Decision {
	t.Helper()
	d, err := f.resolver.Resolve(context.Background(), router.Request{Task: task, Slot: 0, ExecSlot: execSlot})
	require.NoError(t, err)
	return d
}

func TestAuthorize_PassThrough(t *testing.T) {
	f := newFixture(t)
	d := f.decision(t, "summary", 0)

	out, err := f.gate.Authorize(Request{Decision: d, Flags: Flags{Lockdown: true}})
	require.NoError(t, err)
	assert.Equal(t, []string{"claude-sonnet", "gpt-mini"}, out.Models())
	assert.True(t, out.Policy.Lockdown)
	assert.NotSame(t, d, out)
}

func TestAuthorize_LockdownGating(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		flags   Flags
		allowed bool
	}{
		{name: "lockdown on, no emergency", flags: Flags{Lockdown: true, EmergencyOverride: false}},
		{name: "lockdown on, emergency", flags: Flags{Lockdown: true, EmergencyOverride: true}},
		{name: "lockdown off, no emergency", flags: Flags{Lockdown: false, EmergencyOverride: false}},
		{name: "lockdown off, emergency", flags: Flags{Lockdown: false, EmergencyOverride: true}, allowed: true},
	}

	forces := []Force{
		{Model: "gpt-4o"},
		{Provider: "openai"},
		{FamilyEscape: true},
	}

	for _, tt := range tests {
		for _, force := range forces {
			t.Run(tt.name+"/"+describeForce(force), func(t *testing.T) {
				d := f.decision(t, "summary", 0)
				out, err := f.gate.Authorize(Request{Decision: d, Force: force, Flags: tt.flags})
				if !tt.allowed {
					require.Error(t, err)
					var pv *routeerr.PolicyViolation
					require.ErrorAs(t, err, &pv)
					assert.Equal(t, routeerr.RuleLockdown, pv.Rule)
					return
				}
				require.NoError(t, err)
				require.NotNil(t, out)
			})
		}
	}
}

func TestAuthorize_ForcedModel(t *testing.T) {
	f := newFixture(t)
	open := Flags{Lockdown: false, EmergencyOverride: true}

	out, err := f.gate.Authorize(Request{Decision: f.decision(t, "summary", 0), Force: Force{Model: "gpt-4o"}, Flags: open})
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o"}, out.Models())
	assert.Equal(t, router.SourceForced, out.Source)
	assert.True(t, out.Policy.Forced)

	_, err = f.gate.Authorize(Request{Decision: f.decision(t, "summary", 0), Force: Force{Model: "gpt"}, Flags: open})
	require.Error(t, err)
	assert.True(t, routeerr.IsResolution(err), "ambiguous reference fails rather than guessing")
	var rerr *routeerr.ResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "summary", rerr.Task)

	_, err = f.gate.Authorize(Request{Decision: f.decision(t, "summary", 0), Force: Force{Model: "gpt-4o", Provider: "anthropic"}, Flags: open})
	require.Error(t, err)
	assert.True(t, routeerr.IsResolution(err))
}

func TestAuthorize_ForcedProvider(t *testing.T) {
	f := newFixture(t)
	open := Flags{Lockdown: false, EmergencyOverride: true}

	out, err := f.gate.Authorize(Request{Decision: f.decision(t, "summary", 0), Force: Force{Provider: "openai"}, Flags: open})
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-mini"}, out.Models())

	_, err = f.gate.Authorize(Request{Decision: f.decision(t, "summary", 0), Force: Force{Provider: "local"}, Flags: open})
	require.Error(t, err)
	assert.True(t, routeerr.IsResolution(err))
}

func TestAuthorize_DenyListHaltsRegardlessOfFlags(t *testing.T) {
	f := newFixture(t)

	for _, flags := range []Flags{
		{Lockdown: true},
		{Lockdown: false, EmergencyOverride: true},
	} {
		_, err := f.gate.Authorize(Request{
			Decision: f.decision(t, "summary", 0),
			Force:    Force{Model: "claude-PREVIEW"},
			Flags:    flags,
		})
		require.Error(t, err)
		var pv *routeerr.PolicyViolation
		require.ErrorAs(t, err, &pv)
		assert.Equal(t, routeerr.RuleDenyList, pv.Rule, "deny list is checked before lockdown")
	}

	// An alias hiding a deny-listed backend id is caught after lookup.
	_, err := f.gate.Authorize(Request{
		Decision: f.decision(t, "summary", 0),
		Force:    Force{Model: "experimental"},
		Flags:    Flags{Lockdown: false, EmergencyOverride: true},
	})
	var pv *routeerr.PolicyViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, routeerr.RuleDenyList, pv.Rule)
}

func TestScanForced(t *testing.T) {
	f := newFixture(t)

	err := ScanForced(f.snap, "summary", Force{Provider: "preview-cloud"}, nil)
	var pv *routeerr.PolicyViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, routeerr.RuleDenyList, pv.Rule)

	err = ScanForced(f.snap, "summary", Force{}, map[string]string{"voice": "gpt-3.5"})
	require.ErrorAs(t, err, &pv)

	assert.NoError(t, ScanForced(f.snap, "summary", Force{Model: "claude-sonnet"}, map[string]string{"tone": "dry"}))
}

func TestAuthorize_FamilyExclusivity(t *testing.T) {
	f := newFixture(t)

	out, err := f.gate.Authorize(Request{Decision: f.decision(t, "script_outline", 0), Flags: Flags{Lockdown: true}})
	require.NoError(t, err)
	assert.Equal(t, []string{"claude-sonnet"}, out.Models(), "openai candidate removed, never widened")
	assert.Contains(t, out.Policy.Notes, "excluded=gpt-mini")

	_, err = f.gate.Authorize(Request{Decision: f.decision(t, "script_openai", 0), Flags: Flags{Lockdown: true}})
	require.Error(t, err)
	var pv *routeerr.PolicyViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, routeerr.RuleFamilyExclusivity, pv.Rule)
}

func TestAuthorize_FamilyEscape(t *testing.T) {
	f := newFixture(t)

	out, err := f.gate.Authorize(Request{
		Decision: f.decision(t, "script_openai", 0),
		Force:    Force{FamilyEscape: true},
		Flags:    Flags{Lockdown: false, EmergencyOverride: true},
	})
	require.NoError(t, err)
	assert.True(t, out.Policy.FamilyBypass)
	assert.Contains(t, out.Policy.Notes, "family_bypass")
	assert.Equal(t, []string{"gpt-mini", "gpt-4o"}, out.Models())
}

func TestAuthorize_ForcedModelStillExclusive(t *testing.T) {
	f := newFixture(t)
	_, err := f.gate.Authorize(Request{
		Decision: f.decision(t, "script_outline", 0),
		Force:    Force{Model: "gpt-4o"},
		Flags:    Flags{Lockdown: false, EmergencyOverride: true},
	})
	var pv *routeerr.PolicyViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, routeerr.RuleFamilyExclusivity, pv.Rule)
}

func TestAuthorize_PrivilegedLocal(t *testing.T) {
	f := newFixture(t)

	_, err := f.gate.Authorize(Request{Decision: f.decision(t, "local_transcode", 3), Flags: Flags{Lockdown: true}})
	require.NoError(t, err)

	_, err = f.gate.Authorize(Request{Decision: f.decision(t, "summary", 3), Flags: Flags{Lockdown: true}})
	var pv *routeerr.PolicyViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, routeerr.RuleLocalNotAllowed, pv.Rule)
}

func TestAuthorize_Deferral(t *testing.T) {
	f := newFixture(t)

	_, err := f.gate.Authorize(Request{Decision: f.decision(t, "summary", 2), Flags: Flags{Lockdown: true}})
	require.NoError(t, err, "unprotected families may defer")

	_, err = f.gate.Authorize(Request{Decision: f.decision(t, "research_topic", 2), Flags: Flags{Lockdown: true}})
	require.NoError(t, err, "protected family with allow_deferral")

	_, err = f.gate.Authorize(Request{Decision: f.decision(t, "script_outline", 2), Flags: Flags{Lockdown: true}})
	var pv *routeerr.PolicyViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, routeerr.RuleDeferralForbidden, pv.Rule)
}

func TestAuthorize_InputDecisionUntouched(t *testing.T) {
	f := newFixture(t)
	d := f.decision(t, "script_outline", 0)
	before := d.Clone()

	_, err := f.gate.Authorize(Request{Decision: d, Flags: Flags{Lockdown: true}})
	require.NoError(t, err)
	assert.Equal(t, before, d)
}
