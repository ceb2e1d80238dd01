package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// JobsKey is the reserved state key holding the job table.
const JobsKey = "active_jules_sessions"

// JobStatus is the local tracking status of a remote job.
type JobStatus string

const (
	JobPolling      JobStatus = "polling"
	JobAwaitingUser JobStatus = "awaiting_user"
	JobCompleted    JobStatus = "completed"
)

// JobForm tags which representation a JobTable holds.
type JobForm int

const (
	JobFormNone JobForm = iota
	JobFormLegacy
	JobFormCanonical
)

// LegacyJob is one record of the older list representation.
type LegacyJob struct {
	ID     string `json:"id"`
	Repo   string `json:"repo,omitempty"`
	Status string `json:"status"`
}

// JobTable is the job tracker entry stored under JobsKey. Exactly one of
// Legacy or Jobs is meaningful, selected by Form.
type JobTable struct {
	Form   JobForm
	Legacy []LegacyJob
	Jobs   map[string]JobStatus
}

func (t JobTable) MarshalJSON() ([]byte, error) {
	if t.Form == JobFormLegacy {
		legacy := t.Legacy
		if legacy == nil {
			legacy = []LegacyJob{}
		}
		return json.Marshal(legacy)
	}
	jobs := t.Jobs
	if jobs == nil {
		jobs = map[string]JobStatus{}
	}
	return json.Marshal(jobs)
}

// UnmarshalJSON accepts both the legacy list and the canonical map.
// Malformed entries are dropped individually; siblings survive.
func (t *JobTable) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = JobTable{}
		return nil
	}

	switch data[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode legacy job list: %w", err)
		}
		legacy := make([]LegacyJob, 0, len(raw))
		for _, r := range raw {
			var job LegacyJob
			if err := json.Unmarshal(r, &job); err != nil {
				continue
			}
			if job.ID == "" || job.Status == "" {
				continue
			}
			legacy = append(legacy, job)
		}
		*t = JobTable{Form: JobFormLegacy, Legacy: legacy}
		return nil

	case '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode job map: %w", err)
		}
		jobs := make(map[string]JobStatus, len(raw))
		for handle, r := range raw {
			var status string
			if err := json.Unmarshal(r, &status); err != nil || handle == "" {
				continue
			}
			jobs[handle] = JobStatus(status)
		}
		*t = JobTable{Form: JobFormCanonical, Jobs: jobs}
		return nil
	}
	return fmt.Errorf("job table must be a list or an object")
}

func (t JobTable) clone() JobTable {
	out := JobTable{Form: t.Form}
	if t.Legacy != nil {
		out.Legacy = append([]LegacyJob(nil), t.Legacy...)
	}
	if t.Jobs != nil {
		out.Jobs = maps.Clone(t.Jobs)
	}
	return out
}

// State is a session's state blob: the typed job table plus an opaque
// remainder owned by the decision loop. On the wire it is one flat object.
type State struct {
	Jobs   JobTable
	Values map[string]any
}

func (s State) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(s.Values)+1)
	for k, v := range s.Values {
		m[k] = v
	}
	if s.Jobs.Form != JobFormNone {
		m[JobsKey] = s.Jobs
	}
	return json.Marshal(m)
}

func (s *State) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	*s = State{}
	for k, v := range raw {
		if k == JobsKey {
			var table JobTable
			if err := json.Unmarshal(v, &table); err == nil {
				s.Jobs = table
				continue
			}
			// unrecognised shape stays opaque until the next Track rewrites it
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("decode state key %q: %w", k, err)
		}
		if s.Values == nil {
			s.Values = make(map[string]any)
		}
		s.Values[k] = val
	}
	return nil
}

// Normalize returns s as it reads back from any store: Values hold only
// JSON value types (float64 numbers, []any, map[string]any) and empty maps
// collapse to nil.
func (s State) Normalize() (State, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return State{}, fmt.Errorf("encode state: %w", err)
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return State{}, err
	}
	return out, nil
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := State{Jobs: s.Jobs.clone()}
	if s.Values != nil {
		out.Values = make(map[string]any, len(s.Values))
		for k, v := range s.Values {
			out.Values[k] = cloneValue(v)
		}
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}

// StateDelta is the state change carried by an event. A nil value in
// Values deletes the key.
type StateDelta struct {
	Jobs   map[string]JobStatus `json:"jobs,omitempty"`
	Values map[string]any       `json:"values,omitempty"`
}

func (d *StateDelta) IsEmpty() bool {
	return d == nil || (len(d.Jobs) == 0 && len(d.Values) == 0)
}

func (d *StateDelta) SetJob(handle string, status JobStatus) {
	if d.Jobs == nil {
		d.Jobs = make(map[string]JobStatus)
	}
	d.Jobs[handle] = status
}

func (d *StateDelta) Set(key string, value any) {
	if d.Values == nil {
		d.Values = make(map[string]any)
	}
	d.Values[key] = value
}
