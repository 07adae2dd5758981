package providers

import (
	"context"
	"errors"
	"time"
)

// ErrStageLocked is returned when another worker holds the stage lock
var ErrStageLocked = errors.New("stage already running")

// StageLocker guards a (source, stage) pair against overlapping runs
type StageLocker interface {
	// Acquire takes the lock or returns ErrStageLocked. The returned release
	// func must be called once when the run ends.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}
