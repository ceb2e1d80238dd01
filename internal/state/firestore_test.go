// internal/state/firestore_test.go
package state

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/user/julesbot/internal/types"
)

func TestFirestoreSeconds(t *testing.T) {
	ts := time.Date(2026, 3, 14, 15, 9, 26, 535897000, time.UTC)
	got := fromSeconds(toSeconds(ts))
	if !got.Equal(ts) {
		t.Errorf("round trip: got %v, want %v", got, ts)
	}
}

func TestFirestoreSessionFieldNames(t *testing.T) {
	// documents are shared with other readers of adk_sessions
	want := map[string]string{
		"State":     "state",
		"CreatedAt": "created_at",
		"UpdatedAt": "last_update_time",
	}
	typ := reflect.TypeOf(sessionDoc{})
	for field, tag := range want {
		f, ok := typ.FieldByName(field)
		if !ok {
			t.Fatalf("sessionDoc has no field %s", field)
		}
		if got := f.Tag.Get("firestore"); got != tag {
			t.Errorf("%s stored as %q, want %q", field, got, tag)
		}
	}
}

func TestFirestoreSessionEncoding(t *testing.T) {
	var st types.State
	if err := json.Unmarshal([]byte(`{"active_jules_sessions":{"sessions/1":"polling"},"repo":"acme/widgets"}`), &st); err != nil {
		t.Fatal(err)
	}
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	sess := &types.Session{
		Identity:       testID("s1"),
		State:          st,
		CreatedAt:      created,
		LastUpdateTime: created.Add(time.Minute),
		LastSeq:        4,
		Version:        5,
	}

	doc, err := encodeSession(sess)
	if err != nil {
		t.Fatal(err)
	}
	jobs, ok := doc.State[types.JobsKey].(map[string]any)
	if !ok {
		t.Fatalf("expected job table as nested map, got %T", doc.State[types.JobsKey])
	}
	if jobs["sessions/1"] != "polling" {
		t.Errorf("expected polling, got %v", jobs["sessions/1"])
	}

	back, err := decodeSession(doc)
	if err != nil {
		t.Fatal(err)
	}
	if back.Identity != sess.Identity {
		t.Errorf("identity: got %s, want %s", back.Identity, sess.Identity)
	}
	if back.State.Jobs.Jobs["sessions/1"] != types.JobPolling {
		t.Errorf("job status lost: %v", back.State.Jobs.Jobs)
	}
	if back.State.Values["repo"] != "acme/widgets" {
		t.Errorf("repo lost: %v", back.State.Values)
	}
	if !back.LastUpdateTime.Equal(sess.LastUpdateTime) || back.Version != 5 || back.LastSeq != 4 {
		t.Errorf("metadata mismatch: %+v", back)
	}
}

func TestFirestoreEventEncoding(t *testing.T) {
	e := textEvent("user", "hello")
	e.ID = "ev-1"
	e.Seq = 7
	e.Timestamp = time.Date(2026, 5, 1, 10, 0, 0, 123000, time.UTC)

	doc, err := encodeEvent(e)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Seq != 7 {
		t.Errorf("seq: got %d", doc.Seq)
	}
	back, err := decodeEvent(doc)
	if err != nil {
		t.Fatal(err)
	}
	if back.ID != "ev-1" || back.Author != "user" || !back.Timestamp.Equal(e.Timestamp) {
		t.Errorf("event mismatch: %+v", back)
	}
}
