package reconciler

import (
	"regexp"
	"strings"

	"github.com/user/julesbot/internal/types"
)

// Observation is what a status text says about a remote job.
type Observation int

const (
	ObservedNothing Observation = iota
	ObservedAwaitingApproval
	ObservedSucceeded
	ObservedFailed
	ObservedCancelled
)

func (o Observation) String() string {
	switch o {
	case ObservedAwaitingApproval:
		return "awaiting_approval"
	case ObservedSucceeded:
		return "succeeded"
	case ObservedFailed:
		return "failed"
	case ObservedCancelled:
		return "cancelled"
	}
	return "nothing"
}

var stateLine = regexp.MustCompile(`(?m)State:\s*([A-Z_]+)`)

// stateNames lists the remote state names in scan priority: terminal
// failures win over success, success over a pending plan.
var stateNames = []struct {
	name string
	obs  Observation
}{
	{"CANCELLED", ObservedCancelled},
	{"FAILED", ObservedFailed},
	{"SUCCEEDED", ObservedSucceeded},
	{"COMPLETED", ObservedSucceeded},
	{"AWAITING_PLAN_APPROVAL", ObservedAwaitingApproval},
	{"AWAITING_APPROVAL", ObservedAwaitingApproval},
}

func lookupState(name string) (Observation, bool) {
	for _, s := range stateNames {
		if s.name == name {
			return s.obs, true
		}
	}
	return ObservedNothing, false
}

const prMarker = "pull request created"

// Classify reads a free-text status report. An explicit "State: X" line
// decides when present. Without one the whole text is scanned for the
// same state names, terminal failures first.
func Classify(text string) Observation {
	if m := stateLine.FindStringSubmatch(text); m != nil {
		if obs, ok := lookupState(m[1]); ok {
			return obs
		}
		if hasPRMarker(text) {
			return ObservedSucceeded
		}
		return ObservedNothing
	}

	for _, s := range stateNames {
		if !strings.Contains(text, s.name) {
			continue
		}
		if s.obs == ObservedAwaitingApproval && hasPRMarker(text) {
			return ObservedSucceeded
		}
		return s.obs
	}
	if hasPRMarker(text) {
		return ObservedSucceeded
	}
	return ObservedNothing
}

func hasPRMarker(text string) bool {
	return strings.Contains(strings.ToLower(text), prMarker)
}

// Kind names a transition for notification and re-entry wording.
type Kind string

const (
	KindPlanReady Kind = "plan_ready"
	KindSucceeded Kind = "succeeded"
	KindFailed    Kind = "failed"
	KindCancelled Kind = "cancelled"
)

// Decide applies the transition table. ok is false when the observation
// does not move a job in status before.
func Decide(before types.JobStatus, obs Observation) (after types.JobStatus, kind Kind, ok bool) {
	switch obs {
	case ObservedAwaitingApproval:
		if before == types.JobPolling {
			return types.JobAwaitingUser, KindPlanReady, true
		}
	case ObservedSucceeded:
		if before == types.JobPolling || before == types.JobAwaitingUser {
			return types.JobCompleted, KindSucceeded, true
		}
	case ObservedFailed:
		if before != types.JobCompleted {
			return types.JobCompleted, KindFailed, true
		}
	case ObservedCancelled:
		if before != types.JobCompleted {
			return types.JobCompleted, KindCancelled, true
		}
	}
	return before, "", false
}
