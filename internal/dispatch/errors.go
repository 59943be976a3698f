package dispatch

import "errors"

var (
	// ErrPolicyRejected is returned by Act when the policy engine blocks a
	// prompt. The accompanying Response still carries the verdict and risk.
	ErrPolicyRejected = errors.New("policy rejected request")

	// ErrEmptyPrompt is returned for a blank prompt.
	ErrEmptyPrompt = errors.New("prompt is required")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatch service closed")

	// ErrMissingDependency is returned by New when a required collaborator is nil.
	ErrMissingDependency = errors.New("missing dependency")
)
