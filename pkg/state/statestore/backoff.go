package statestore

import (
	"context"
	"math/rand"
	"time"

	"github.com/a-essam23/go-presence/pkg/state"
)

// acquireWithBackoff drives a lock acquisition attempt loop: try is called
// up to opts.LockAttempts times, separated by jittered exponential backoff.
// Returns ErrTimeout once attempts are exhausted or ctx is done.
func acquireWithBackoff(ctx context.Context, opts state.Options, try func() (bool, error)) error {
	backoff := opts.LockBackoffBase

	for attempt := 0; attempt < opts.LockAttempts; attempt++ {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if attempt == opts.LockAttempts-1 {
			break
		}

		wait := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return state.ErrTimeout
		}
		backoff = time.Duration(float64(backoff) * opts.LockBackoffMult)
	}
	return state.ErrTimeout
}
