/*
Package lock serializes work per key (one student at a time).

PURPOSE:
  Payment allocation reads a student's obligations and then writes
  settlement entries. Two payments for the same student running that
  read-then-write at once would both see the same outstanding balance and
  over-settle it. Holding a per-student lock across the pair prevents that.

IMPLEMENTATIONS:
  KeyedMutex:  In-process; enough for a single server
  RedisLocker: SET NX PX with a random token; safe across instances

USAGE:
  unlock, err := locker.Lock(ctx, "student:"+id)
  if err != nil {
      return err
  }
  defer unlock()
*/
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned when the context ends before the lock is taken.
var ErrNotAcquired = errors.New("lock not acquired")

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

type Locker interface {
	// Lock blocks until key is held or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)
}
