package audit

import "errors"

var (
	// ErrSignatureMismatch means a stored event no longer matches its signature.
	ErrSignatureMismatch = errors.New("audit: signature mismatch")

	// ErrUnknownStream is returned for a stream name outside the known set.
	ErrUnknownStream = errors.New("audit: unknown stream")
)
