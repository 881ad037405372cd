package dag

import "github.com/apphub/catalog/pkg/catalog"

// ReadinessRule decides whether a step is ready to dispatch given the
// statuses of its dependencies. A step with a skipped dependency still runs
// normally as long as at least one dependency succeeded (skip does not
// propagate past a live dependency); it is itself skipped only once every
// dependency is terminal and none succeeded.
type ReadinessRule struct{}

// Decision is the outcome of evaluating a step's dependency statuses.
type Decision int

const (
	// NotReady: at least one dependency has not reached a terminal status.
	NotReady Decision = iota
	// Ready: all dependencies are terminal and the step should dispatch.
	Ready
	// Skip: all dependencies are terminal, none succeeded, so the step is
	// itself skipped rather than dispatched.
	Skip
)

// Evaluate inspects the terminal/non-terminal and succeeded/skipped status
// of a step's direct dependencies.
func (ReadinessRule) Evaluate(depStatuses []catalog.StepStatus) Decision {
	anySucceeded := false
	for _, st := range depStatuses {
		if !st.Terminal() {
			return NotReady
		}
		if st == catalog.StepSucceeded {
			anySucceeded = true
		}
	}
	if len(depStatuses) == 0 || anySucceeded {
		return Ready
	}
	return Skip
}
