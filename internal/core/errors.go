package core

import "fmt"

// ValidationError reports a malformed schedule descriptor or job field,
// rejected before anything is persisted. Field names the offending input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// CredentialError reports a missing site password or capability credential,
// rejected before the pipeline starts.
type CredentialError struct {
	Field string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("missing credential: %s", e.Field)
}

// CapabilityDisabledError signals that an account-level flag blocks an
// authoring capability. The pipeline halts at the affected stage with the
// remediation hint instead of a generic failure; retry is manual.
type CapabilityDisabledError struct {
	Capability  string
	SettingsRef string
}

func (e *CapabilityDisabledError) Error() string {
	return fmt.Sprintf("%s is disabled for this account; enable it under %s and re-run", e.Capability, e.SettingsRef)
}
