package errors

import (
	"context"
	"fmt"
)

// DefaultStaleRetryBudget is the number of attempts a StaleRetry makes
// before giving up.
const DefaultStaleRetryBudget = 10

// RetryState is a state of the stale-state retry machine.
type RetryState int

const (
	// StateFresh runs the next attempt against freshly opened state.
	StateFresh RetryState = iota
	// StateFaultDetected records a transient fault from the last attempt.
	StateFaultDetected
	// StateReopening refreshes reader state before the next attempt.
	StateReopening
	// StateExhausted means the budget is spent.
	StateExhausted
	// StateDone means an attempt succeeded.
	StateDone
)

func (s RetryState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateFaultDetected:
		return "fault_detected"
	case StateReopening:
		return "reopening"
	case StateExhausted:
		return "exhausted"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StaleRetry runs an operation until it succeeds, fails with a non-transient
// error, or the attempt budget runs out. Between attempts it calls Refresh so
// the next attempt sees current reader state.
//
// There is no backoff: a stale snapshot clears as soon as the reader is
// reopened, and lock contention is already bounded by the lock timeout.
type StaleRetry struct {
	// Budget is the maximum number of attempts. Zero means DefaultStaleRetryBudget.
	Budget int

	// Refresh reopens reader state. A Refresh error aborts the loop.
	Refresh func(ctx context.Context) error

	// OnTransition, if set, observes every state change.
	OnTransition func(from, to RetryState, attempt int, cause error)
}

// Do runs attempt under the retry machine.
func (r StaleRetry) Do(ctx context.Context, attempt func(ctx context.Context) error) error {
	budget := r.Budget
	if budget <= 0 {
		budget = DefaultStaleRetryBudget
	}

	state := StateFresh
	attempts := 0
	var last error

	move := func(to RetryState) {
		if r.OnTransition != nil {
			r.OnTransition(state, to, attempts, last)
		}
		state = to
	}

	for {
		switch state {
		case StateFresh:
			if err := ctx.Err(); err != nil {
				return err
			}
			attempts++
			err := attempt(ctx)
			if err == nil {
				move(StateDone)
				return nil
			}
			if !IsTransient(err) {
				return err
			}
			last = err
			move(StateFaultDetected)

		case StateFaultDetected:
			if attempts >= budget {
				move(StateExhausted)
			} else {
				move(StateReopening)
			}

		case StateReopening:
			if r.Refresh != nil {
				if err := r.Refresh(ctx); err != nil {
					return err
				}
			}
			move(StateFresh)

		case StateExhausted:
			ie := New(ErrCodeRetryExhausted, fmt.Sprintf("gave up after %d attempts", attempts), last)
			ie.Category = CategoryConsistency
			return ie

		default:
			return InternalError(fmt.Sprintf("retry machine in unexpected state %s", state), last)
		}
	}
}
