package provision

import (
	"context"
	"fmt"
	"time"
)

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// poll calls ready every interval until it reports true, returns an error,
// or timeout elapses. The first check happens immediately.
func poll(ctx context.Context, sleep func(context.Context, time.Duration) error, interval, timeout time.Duration, ready func(context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = time.Second
	}
	var waited time.Duration
	for {
		ok, err := ready(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if waited >= timeout {
			return fmt.Errorf("not ready after %s", timeout)
		}
		if err := sleep(ctx, interval); err != nil {
			return err
		}
		waited += interval
	}
}
