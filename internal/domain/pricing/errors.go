package pricing

import "errors"

var (
	// ErrConfigurationNotFound means no tier matched the operation. Callers
	// must treat this as "operation not chargeable", never as "free".
	ErrConfigurationNotFound = errors.New("configuration not found")

	// ErrInvalidConfiguration is returned for rules that fail validation
	ErrInvalidConfiguration = errors.New("invalid configuration")

	ErrInternal = errors.New("internal error")
)
