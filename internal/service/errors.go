package service

import "errors"

var (
	// ErrInsufficientCredits rejects a request whose pre-charge estimate
	// exceeds the key's available balance. No job row is created.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrJobNotFound is returned for lookups of unknown job IDs.
	ErrJobNotFound = errors.New("job not found")

	// ErrRequestTimeout is returned when a synchronous request exceeded its
	// wait budget. The job is cancelled and nothing is charged.
	ErrRequestTimeout = errors.New("request timed out")
)
