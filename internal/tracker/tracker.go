// Package tracker holds the job tracker transition logic. It works on a
// session's state only and never touches storage, so the reconciler and
// the decision loop share one migration path.
package tracker

import (
	"maps"
	"slices"

	"github.com/user/julesbot/internal/types"
)

// legacyStatus maps statuses of the older list representation.
var legacyStatus = map[string]types.JobStatus{
	"pending_plan":      types.JobPolling,
	"awaiting_approval": types.JobAwaitingUser,
}

func fromLegacy(status string) types.JobStatus {
	if s, ok := legacyStatus[status]; ok {
		return s
	}
	return types.JobStatus(status)
}

// Migrate converts any job table to canonical form. It is total and
// idempotent: Migrate(Migrate(t)) equals Migrate(t).
func Migrate(t types.JobTable) types.JobTable {
	jobs := make(map[string]types.JobStatus)
	switch t.Form {
	case types.JobFormLegacy:
		for _, j := range t.Legacy {
			if j.ID == "" || j.Status == "" {
				continue
			}
			jobs[j.ID] = fromLegacy(j.Status)
		}
	case types.JobFormCanonical:
		maps.Copy(jobs, t.Jobs)
	}
	return types.JobTable{Form: types.JobFormCanonical, Jobs: jobs}
}

// Canonicalize rewrites a legacy job table in place. Stores call it on
// every write so a legacy entry never survives its first rewrite.
func Canonicalize(st *types.State) {
	if st.Jobs.Form != types.JobFormLegacy {
		return
	}
	st.Jobs = Migrate(st.Jobs)
	delete(st.Values, types.JobsKey)
}

// Track sets the status of handle, migrating the table first if needed.
func Track(st *types.State, handle string, status types.JobStatus) {
	if st.Jobs.Form != types.JobFormCanonical || st.Jobs.Jobs == nil {
		st.Jobs = Migrate(st.Jobs)
		delete(st.Values, types.JobsKey)
	}
	st.Jobs.Jobs[handle] = status
}

// StatusOf reports the status of handle without mutating st.
func StatusOf(st *types.State, handle string) (types.JobStatus, bool) {
	if st.Jobs.Form == types.JobFormCanonical {
		s, ok := st.Jobs.Jobs[handle]
		return s, ok
	}
	s, ok := Migrate(st.Jobs).Jobs[handle]
	return s, ok
}

// Jobs returns a canonical copy of every tracked job.
func Jobs(st *types.State) map[string]types.JobStatus {
	return Migrate(st.Jobs).Jobs
}

// AllPollable returns the handles with status polling, sorted.
func AllPollable(st *types.State) []string {
	var out []string
	for handle, status := range Jobs(st) {
		if status == types.JobPolling {
			out = append(out, handle)
		}
	}
	slices.Sort(out)
	return out
}

// Valid reports whether status is one of the canonical tracking statuses.
func Valid(status types.JobStatus) bool {
	switch status {
	case types.JobPolling, types.JobAwaitingUser, types.JobCompleted:
		return true
	}
	return false
}
