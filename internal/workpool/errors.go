package workpool

import (
	"fmt"
	"time"
)

// NotFoundError is returned when a pool name is unknown to the source.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("work pool %q not found", e.Name)
}

// StaleConfigError is returned when a usable definition could not be loaded:
// either the cached copy is older than the hard ceiling or nothing was cached
// yet (Age is zero). Callers should retry later.
type StaleConfigError struct {
	Name string
	Age  time.Duration
	Err  error
}

func (e *StaleConfigError) Error() string {
	if e.Age == 0 {
		return fmt.Sprintf("work pool %q definition unavailable: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("work pool %q definition is stale (age %s): %v", e.Name, e.Age.Round(time.Second), e.Err)
}

func (e *StaleConfigError) Unwrap() error {
	return e.Err
}
