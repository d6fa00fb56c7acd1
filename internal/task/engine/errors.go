package engine

import "errors"

var (
	ErrJobExists   = errors.New("job already registered")
	ErrJobNotFound = errors.New("job not found")
	ErrInvalidJob  = errors.New("invalid job definition")

	// ErrSkipped is returned when a firing arrives while the job is still running.
	ErrSkipped = errors.New("job already running")
	// ErrTimeout is recorded on executions that outlived their timeout.
	ErrTimeout = errors.New("execution timed out")
)
