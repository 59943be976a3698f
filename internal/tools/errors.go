package tools

import "errors"

// Tool layer errors.
var (
	// ErrUnknownTool is returned when no adapter is registered under an id.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrToolPolicyDenied is returned when the allow-list or network rule rejects a call.
	ErrToolPolicyDenied = errors.New("tool policy denied")

	// ErrToolExecution is returned when an adapter fails, panics or times out.
	ErrToolExecution = errors.New("tool execution failed")

	// ErrToolIDEmpty is returned when registering a spec without an id.
	ErrToolIDEmpty = errors.New("tool id cannot be empty")

	// ErrInvalidSpec is returned for an unknown side-effect class or risk level.
	ErrInvalidSpec = errors.New("invalid tool spec")

	// ErrToolAlreadyRegistered is returned when registering a duplicate id.
	ErrToolAlreadyRegistered = errors.New("tool already registered")
)
