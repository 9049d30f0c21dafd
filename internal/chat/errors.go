package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrTurnInProgress rejects a second turn while one is still running.
	ErrTurnInProgress = errors.New("a turn is already in progress")
	ErrClosed         = errors.New("chat coordinator closed")
	// ErrStopped is returned by GenerateResponse when StopResponse lands
	// before the engine was invoked.
	ErrStopped = errors.New("turn stopped before generation started")
)

// EngineFault wraps an error raised by the engine during a turn.
type EngineFault struct {
	Phase     Phase
	Retryable bool
	Err       error
}

func (f *EngineFault) Error() string {
	return fmt.Sprintf("engine fault during %s: %v", f.Phase, f.Err)
}

func (f *EngineFault) Unwrap() error { return f.Err }
