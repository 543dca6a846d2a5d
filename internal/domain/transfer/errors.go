package transfer

import "errors"

var (
	// ErrTransferNotFound is returned when the transfer doesn't exist
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrTransferStateInvalid is returned for a transition the workflow
	// doesn't allow, including double approval of the same transfer
	ErrTransferStateInvalid = errors.New("invalid transfer state transition")

	// ErrApprovalNotAuthorized is returned when the actor lacks the role the
	// matching approval rule requires, or tries to approve their own request
	ErrApprovalNotAuthorized = errors.New("not authorized to decide this transfer")

	// ErrRuleViolation is returned when the amount exceeds the matching
	// rule's cap
	ErrRuleViolation = errors.New("transfer violates approval rule")

	// ErrNoRuleConfigured is returned when no approval rule matches the
	// tenant; transfers require an explicit policy
	ErrNoRuleConfigured = errors.New("no approval rule configured")

	// ErrSameAccount is returned when source and destination are the same
	ErrSameAccount = errors.New("source and destination accounts are the same")

	// ErrInvalidRule is returned for rule upserts with nonsense values
	ErrInvalidRule = errors.New("invalid approval rule")

	ErrInternal = errors.New("internal error")
)
