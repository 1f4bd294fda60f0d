// Package lock provides the non-blocking mutual exclusion used to keep a
// single sync cycle running per owner.
package lock

import (
	"context"
	"time"
)

// Locker hands out named locks without waiting. TryAcquire reports false
// when the key is already held; the returned release func is then nil.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (release func(), acquired bool, err error)
}

// DefaultTTL bounds how long a crashed holder can keep a distributed lock.
const DefaultTTL = 10 * time.Minute
