package lock

import (
	"fmt"

	"github.com/gofrs/flock"
)

// FlockAcquire takes an exclusive advisory lock on path and returns the
// release function. It serializes check-then-create and check-then-remove
// sequences on a lock directory across processes: the daemon, racing
// session launchers, and doctor --fix all funnel through the same flock
// before touching a given path's lock directory.
func FlockAcquire(path string) (func(), error) {
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquiring flock on %s: %w", path, err)
	}
	return func() {
		_ = fl.Unlock()
	}, nil
}
