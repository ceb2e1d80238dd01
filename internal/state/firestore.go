package state

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/user/julesbot/internal/types"
)

const (
	defaultFirestoreCollection = "adk_sessions"
	eventsSubcollection        = "events"
)

// FirestoreConfig selects the project and collection.
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
	// Database names a non-default database; empty means "(default)".
	Database string
	// Collection holds one document per session (default "adk_sessions").
	Collection string
}

// FirestoreStore keeps one document per session keyed by the identity key,
// with events in a subcollection. Timestamps are float seconds since epoch.
type FirestoreStore struct {
	client *firestore.Client
	coll   string
}

type sessionDoc struct {
	AppName   string         `firestore:"app_name"`
	UserID    string         `firestore:"user_id"`
	SessionID string         `firestore:"session_id"`
	State     map[string]any `firestore:"state"`
	CreatedAt float64        `firestore:"created_at"`
	UpdatedAt float64        `firestore:"last_update_time"`
	LastSeq   int64          `firestore:"last_seq"`
	Version   int64          `firestore:"version"`
}

type eventDoc struct {
	Seq       int64   `firestore:"seq"`
	Timestamp float64 `firestore:"timestamp"`
	Data      string  `firestore:"data"`
}

// NewFirestoreStore creates a client using the credentials file when set,
// Application Default Credentials otherwise.
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	database := cfg.Database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, cfg.ProjectID, database, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return NewFirestoreStoreFromClient(client, cfg.Collection), nil
}

// NewFirestoreStoreFromClient wraps an existing client.
func NewFirestoreStoreFromClient(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = defaultFirestoreCollection
	}
	return &FirestoreStore{client: client, coll: collection}
}

func (f *FirestoreStore) doc(id types.Identity) *firestore.DocumentRef {
	return f.client.Collection(f.coll).Doc(string(id.Key()))
}

func toSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// fromSeconds rounds to the microsecond, the precision a float64 keeps for
// present-day timestamps.
func fromSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*1e9)).Round(time.Microsecond).UTC()
}

func encodeSession(s *types.Session) (*sessionDoc, error) {
	data, err := json.Marshal(s.State)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("convert state: %w", err)
	}
	return &sessionDoc{
		AppName:   s.AppName,
		UserID:    s.UserID,
		SessionID: string(s.SessionID),
		State:     state,
		CreatedAt: toSeconds(s.CreatedAt),
		UpdatedAt: toSeconds(s.LastUpdateTime),
		LastSeq:   s.LastSeq,
		Version:   s.Version,
	}, nil
}

func decodeSession(d *sessionDoc) (*types.Session, error) {
	s := &types.Session{
		Identity: types.Identity{
			AppName:   d.AppName,
			UserID:    d.UserID,
			SessionID: types.SessionID(d.SessionID),
		},
		CreatedAt:      fromSeconds(d.CreatedAt),
		LastUpdateTime: fromSeconds(d.UpdatedAt),
		LastSeq:        d.LastSeq,
		Version:        d.Version,
	}
	if d.State != nil {
		data, err := json.Marshal(d.State)
		if err != nil {
			return nil, fmt.Errorf("marshal state: %w", err)
		}
		if err := json.Unmarshal(data, &s.State); err != nil {
			return nil, fmt.Errorf("unmarshal state: %w", err)
		}
	}
	return s, nil
}

func encodeEvent(e *types.Event) (*eventDoc, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return &eventDoc{Seq: e.Seq, Timestamp: toSeconds(e.Timestamp), Data: string(data)}, nil
}

func decodeEvent(d *eventDoc) (*types.Event, error) {
	var e types.Event
	if err := json.Unmarshal([]byte(d.Data), &e); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &e, nil
}

func (f *FirestoreStore) Create(ctx context.Context, id types.Identity, initial *types.State) (*types.Session, error) {
	sess, err := newSession(id, initial)
	if err != nil {
		return nil, err
	}
	doc, err := encodeSession(sess)
	if err != nil {
		return nil, err
	}
	ref := f.doc(sess.Identity)
	if err := f.deleteEvents(ctx, ref); err != nil {
		return nil, err
	}
	if _, err := ref.Set(ctx, doc); err != nil {
		return nil, fmt.Errorf("write session: %w", err)
	}
	return sess, nil
}

func (f *FirestoreStore) Get(ctx context.Context, id types.Identity, opts types.GetOptions) (*types.Session, error) {
	if err := id.Validate(false); err != nil {
		return nil, err
	}
	ref := f.doc(id)
	sess, err := f.read(ctx, ref, id)
	if err != nil {
		return nil, err
	}

	query := ref.Collection(eventsSubcollection).OrderBy("timestamp", firestore.Asc).OrderBy("seq", firestore.Asc)
	if !opts.After.IsZero() {
		query = query.Where("timestamp", ">=", toSeconds(opts.After))
	}
	if opts.Limit > 0 {
		query = query.LimitToLast(opts.Limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()
	var events []*types.Event
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate events: %w", err)
		}
		var d eventDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("failed to decode event %s: %w", snap.Ref.ID, err)
		}
		event, err := decodeEvent(&d)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	sess.Events = selectEvents(events, opts)
	return sess, nil
}

func (f *FirestoreStore) read(ctx context.Context, ref *firestore.DocumentRef, id types.Identity) (*types.Session, error) {
	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	var d sessionDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return decodeSession(&d)
}

func (f *FirestoreStore) List(ctx context.Context, appName, userID string) ([]*types.SessionSummary, error) {
	query := f.client.Collection(f.coll).Where("app_name", "==", appName)
	if userID != "" {
		query = query.Where("user_id", "==", userID)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*types.SessionSummary
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate sessions: %w", err)
		}
		var d sessionDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("failed to decode session %s: %w", snap.Ref.ID, err)
		}
		sess, err := decodeSession(&d)
		if err != nil {
			return nil, err
		}
		out = append(out, sess.Summary())
	}
	return out, nil
}

func (f *FirestoreStore) AppendEvent(ctx context.Context, session *types.Session, event *types.Event) (*types.Event, error) {
	return appendEvent(ctx, f, session, event)
}

func (f *FirestoreStore) Update(ctx context.Context, id types.Identity, fn types.UpdateFunc) (*types.Session, error) {
	return update(ctx, f, id, fn)
}

func (f *FirestoreStore) load(ctx context.Context, id types.Identity) (*types.Session, error) {
	return f.read(ctx, f.doc(id), id)
}

func (f *FirestoreStore) commit(ctx context.Context, prev int64, next *types.Session, event *types.Event) error {
	doc, err := encodeSession(next)
	if err != nil {
		return err
	}
	var ev *eventDoc
	if event != nil {
		if ev, err = encodeEvent(event); err != nil {
			return err
		}
	}

	ref := f.doc(next.Identity)
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return notFound(next.Identity)
			}
			return fmt.Errorf("failed to get session: %w", err)
		}
		var cur sessionDoc
		if err := snap.DataTo(&cur); err != nil {
			return fmt.Errorf("failed to decode session: %w", err)
		}
		if cur.Version != prev {
			return errVersionMismatch
		}
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		if ev != nil {
			return tx.Create(ref.Collection(eventsSubcollection).Doc(string(event.ID)), ev)
		}
		return nil
	})
}

// deleteEvents removes every event document under ref.
func (f *FirestoreStore) deleteEvents(ctx context.Context, ref *firestore.DocumentRef) error {
	iter := ref.Collection(eventsSubcollection).DocumentRefs(ctx)
	bulkWriter := f.client.BulkWriter(ctx)
	for {
		eventRef, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bulkWriter.End()
			return fmt.Errorf("failed to iterate events: %w", err)
		}
		if _, err := bulkWriter.Delete(eventRef); err != nil {
			bulkWriter.End()
			return fmt.Errorf("failed to queue delete: %w", err)
		}
	}
	bulkWriter.End()
	return nil
}

// Delete removes the event subcollection before the session document.
func (f *FirestoreStore) Delete(ctx context.Context, id types.Identity) error {
	if err := id.Validate(false); err != nil {
		return err
	}
	ref := f.doc(id)
	if err := f.deleteEvents(ctx, ref); err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (f *FirestoreStore) Close() error {
	return f.client.Close()
}
