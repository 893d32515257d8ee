package health

import (
	"context"
	"fmt"

	"carapaceproxy/carapace/pkg/backends"
)

// BackendCounter reports how many backends are in each health state.
type BackendCounter interface {
	CountByState() map[backends.State]int
}

// MinHealthyBackends fails while fewer than min backends are UP.
func MinHealthyBackends(source BackendCounter, min int) CheckFunc {
	return func(context.Context) error {
		counts := source.CountByState()
		if up := counts[backends.StateUp]; up < min {
			return fmt.Errorf("%d backend(s) up, %d required (%d down, %d draining)",
				up, min, counts[backends.StateDown], counts[backends.StateDraining])
		}
		return nil
	}
}

// Serving fails until running reports true. Listeners register it so the
// process is not ready before it accepts connections.
func Serving(running func() bool) CheckFunc {
	return func(context.Context) error {
		if !running() {
			return fmt.Errorf("listeners not started")
		}
		return nil
	}
}
