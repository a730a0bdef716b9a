// Package routeerr defines the error classes produced by routing and dispatch.
//
// Resolution and policy errors are terminal and never trigger fallback.
// Provider errors are the only class retried, and only within the resolved
// candidate chain. Staleness errors require the caller to re-enqueue.
package routeerr

import (
	"errors"
	"fmt"
	"strings"
)

// Class names an error category as written to the usage ledger.
type Class string

const (
	ClassNone       Class = ""
	ClassResolution Class = "resolution"
	ClassPolicy     Class = "policy"
	ClassProvider   Class = "provider"
	ClassStaleness  Class = "staleness"
	ClassInternal   Class = "internal"
)

// ResolutionError reports an unknown task, tier or model, a malformed chain,
// an ambiguous reference, or a capability mismatch.
type ResolutionError struct {
	Task    string
	Reason  string
	Matches []string
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("resolution error for task %q: %s", e.Task, e.Reason)
	if len(e.Matches) > 0 {
		msg += fmt.Sprintf(" (candidates: %s)", strings.Join(e.Matches, ", "))
	}
	return msg
}

// Resolutionf builds a ResolutionError.
func Resolutionf(task, format string, args ...any) *ResolutionError {
	return &ResolutionError{Task: task, Reason: fmt.Sprintf(format, args...)}
}

// PolicyViolation reports a request the policy gate refused.
type PolicyViolation struct {
	Task   string
	Rule   string
	Reason string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("policy violation [%s] for task %q: %s", e.Rule, e.Task, e.Reason)
}

// Policy rule identifiers.
const (
	RuleDenyList          = "deny_list"
	RuleLockdown          = "lockdown"
	RuleFamilyExclusivity = "family_exclusivity"
	RuleLocalNotAllowed   = "local_not_allowed"
	RuleDeferralForbidden = "deferral_forbidden"
)

// Policyf builds a PolicyViolation.
func Policyf(task, rule, format string, args ...any) *PolicyViolation {
	return &PolicyViolation{Task: task, Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// ProviderError wraps a failed candidate call.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s/%s: %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// StalenessError reports that a pending record's fingerprint no longer matches
// the caller's input.
type StalenessError struct {
	RecordID string
	Expected string
	Actual   string
}

func (e *StalenessError) Error() string {
	return fmt.Sprintf("pending record %s is stale: fingerprint %s does not match %s",
		e.RecordID, short(e.Expected), short(e.Actual))
}

// ClassOf maps an error onto its ledger class.
func ClassOf(err error) Class {
	if err == nil {
		return ClassNone
	}
	var res *ResolutionError
	if errors.As(err, &res) {
		return ClassResolution
	}
	var pol *PolicyViolation
	if errors.As(err, &pol) {
		return ClassPolicy
	}
	var stale *StalenessError
	if errors.As(err, &stale) {
		return ClassStaleness
	}
	var prov *ProviderError
	if errors.As(err, &prov) {
		return ClassProvider
	}
	return ClassInternal
}

// IsResolution reports whether err is a ResolutionError.
func IsResolution(err error) bool { return ClassOf(err) == ClassResolution }

// IsPolicy reports whether err is a PolicyViolation.
func IsPolicy(err error) bool { return ClassOf(err) == ClassPolicy }

// IsStale reports whether err is a StalenessError.
func IsStale(err error) bool { return ClassOf(err) == ClassStaleness }

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
