package domain

import "fmt"

// TargetIdentificationError reports a rule scope that is missing or
// ambiguous: a rule must belong to exactly one ISO, merchant, or
// pricing group.
type TargetIdentificationError struct {
	SetFields []string
}

func (e *TargetIdentificationError) Error() string {
	if len(e.SetFields) == 0 {
		return "exactly one of isoId, merchantId or pricingGroupId is required"
	}
	return fmt.Sprintf("ambiguous rule target: %d scope fields set, want exactly one", len(e.SetFields))
}

// RuleIntegrityError reports an invalid matching-rule predicate or a
// revenue rule that carries neither a percentage nor a flat amount.
type RuleIntegrityError struct {
	Message string
}

func (e *RuleIntegrityError) Error() string {
	return e.Message
}

// SplitInstructionError reports a split-instruction set whose
// percentages do not sum to exactly 100% in ppm, or contain a
// non-positive entry.
type SplitInstructionError struct {
	Message string
}

func (e *SplitInstructionError) Error() string {
	return e.Message
}

// DatabaseCommunicationError wraps any storage-layer failure. The
// message names only the logical table; the driver error stays inside.
type DatabaseCommunicationError struct {
	Table string
	Err   error
}

func (e *DatabaseCommunicationError) Error() string {
	return fmt.Sprintf("database communication failure on table %s", e.Table)
}

func (e *DatabaseCommunicationError) Unwrap() error {
	return e.Err
}
