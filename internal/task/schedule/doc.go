// Package schedule turns schedule expressions into timed callbacks.
//
// Execution is not handled here: a Trigger only calls the function it was
// built with. The job engine decides what a firing means.
package schedule
