// internal/state/file.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/julesbot/internal/types"
)

// FileStore is a JSON-file-backed session store for single-process use.
// Each session lives in sessions/<app>/<user>/<session>/ with the record
// in session.json and the event log in events.jsonl.
type FileStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionKey]*sync.Mutex
}

// NewFileStore creates a new file-backed store rooted at the given directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{
		root:  root,
		locks: make(map[types.SessionKey]*sync.Mutex),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (f *FileStore) getLock(key types.SessionKey) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()

	if lock, ok := f.locks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	f.locks[key] = lock
	return lock
}

func (f *FileStore) appDir(app string) string {
	return filepath.Join(f.root, "sessions", app)
}

func (f *FileStore) sessionDir(id types.Identity) string {
	return filepath.Join(f.appDir(id.AppName), id.UserID, string(id.SessionID))
}

func (f *FileStore) recordPath(id types.Identity) string {
	return filepath.Join(f.sessionDir(id), "session.json")
}

func (f *FileStore) eventsPath(id types.Identity) string {
	return filepath.Join(f.sessionDir(id), "events.jsonl")
}

func (f *FileStore) readRecord(path string) (*types.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s types.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session record: %w", err)
	}
	return &s, nil
}

// writeRecord marshals the record and writes it atomically.
func (f *FileStore) writeRecord(s *types.Session) error {
	record := *s
	record.Events = nil
	data, err := json.MarshalIndent(&record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}

	dir := f.sessionDir(s.Identity)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	path := f.recordPath(s.Identity)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp record: %w", err)
	}
	return nil
}

func (f *FileStore) appendLine(id types.Identity, event *types.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	file, err := os.OpenFile(f.eventsPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer file.Close()

	data = append(data, '\n')
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return file.Sync()
}

func (f *FileStore) readEvents(id types.Identity) ([]*types.Event, error) {
	file, err := os.Open(f.eventsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer file.Close()

	var events []*types.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var event types.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events file: %w", err)
	}
	return events, nil
}

// Create writes a new session record. Supplying the id of an existing
// session overwrites it and drops its event log.
func (f *FileStore) Create(_ context.Context, id types.Identity, initial *types.State) (*types.Session, error) {
	s, err := newSession(id, initial)
	if err != nil {
		return nil, err
	}

	lock := f.getLock(s.Key())
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(f.eventsPath(s.Identity)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reset events file: %w", err)
	}
	if err := f.writeRecord(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get loads the record and replays its events.
func (f *FileStore) Get(_ context.Context, id types.Identity, opts types.GetOptions) (*types.Session, error) {
	if err := id.Validate(false); err != nil {
		return nil, err
	}
	lock := f.getLock(id.Key())
	lock.Lock()
	defer lock.Unlock()

	s, err := f.readRecord(f.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	events, err := f.readEvents(id)
	if err != nil {
		return nil, err
	}
	s.Events = selectEvents(events, opts)
	return s, nil
}

// List returns every session of an application, optionally for one user.
// Unreadable records are logged and skipped.
func (f *FileStore) List(_ context.Context, appName, userID string) ([]*types.SessionSummary, error) {
	users := []string{userID}
	if userID == "" {
		entries, err := os.ReadDir(f.appDir(appName))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("list users: %w", err)
		}
		users = users[:0]
		for _, e := range entries {
			if e.IsDir() {
				users = append(users, e.Name())
			}
		}
	}

	var out []*types.SessionSummary
	for _, user := range users {
		entries, err := os.ReadDir(filepath.Join(f.appDir(appName), user))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			id := types.Identity{AppName: appName, UserID: user, SessionID: types.SessionID(e.Name())}
			s, err := f.readRecord(f.recordPath(id))
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					slog.Warn("skip unreadable session record", "session", id.String(), "error", err)
				}
				continue
			}
			out = append(out, s.Summary())
		}
	}
	return out, nil
}

// AppendEvent applies the event's state delta and appends it to the log.
func (f *FileStore) AppendEvent(ctx context.Context, session *types.Session, event *types.Event) (*types.Event, error) {
	return appendEvent(ctx, f, session, event)
}

// Update runs fn under the session lock, so file writes never conflict
// within one process.
func (f *FileStore) Update(ctx context.Context, id types.Identity, fn types.UpdateFunc) (*types.Session, error) {
	lock := f.getLock(id.Key())
	lock.Lock()
	defer lock.Unlock()

	return update(ctx, f, id, fn)
}

func (f *FileStore) load(_ context.Context, id types.Identity) (*types.Session, error) {
	s, err := f.readRecord(f.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	return s, nil
}

// commit appends the event before rewriting the record. A crash in between
// leaves an event whose state change is missing, never the reverse.
func (f *FileStore) commit(ctx context.Context, prev int64, next *types.Session, event *types.Event) error {
	cur, err := f.load(ctx, next.Identity)
	if err != nil {
		return err
	}
	if cur.Version != prev {
		return errVersionMismatch
	}
	if event != nil {
		if err := f.appendLine(next.Identity, event); err != nil {
			return err
		}
	}
	return f.writeRecord(next)
}

// Delete removes the event log, then the record, then the directory.
// Deleting a missing session is not an error.
func (f *FileStore) Delete(_ context.Context, id types.Identity) error {
	if err := id.Validate(false); err != nil {
		return err
	}
	lock := f.getLock(id.Key())
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(f.eventsPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove events file: %w", err)
	}
	if err := os.Remove(f.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session record: %w", err)
	}
	if err := os.RemoveAll(f.sessionDir(id)); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }
