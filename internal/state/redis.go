package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/julesbot/internal/types"
)

const defaultRedisPrefix = "julesbot:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key (default "julesbot:").
	Prefix   string
	PoolSize int
}

// RedisStore keeps each session record as a JSON string and its events as
// a list. Updates use WATCH on the record key.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) sessionKey(id types.Identity) string {
	return r.prefix + "session:" + string(id.Key())
}

func (r *RedisStore) eventsKey(id types.Identity) string {
	return r.prefix + "events:" + string(id.Key())
}

func (r *RedisStore) appIndexKey(app string) string {
	return r.prefix + "app:" + app
}

func (r *RedisStore) userIndexKey(app, user string) string {
	return r.prefix + "user:" + app + ":" + user
}

func (r *RedisStore) Create(ctx context.Context, id types.Identity, initial *types.State) (*types.Session, error) {
	sess, err := newSession(id, initial)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	key := string(sess.Key())
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.eventsKey(sess.Identity))
	pipe.Set(ctx, r.sessionKey(sess.Identity), data, 0)
	pipe.SAdd(ctx, r.appIndexKey(sess.AppName), key)
	pipe.SAdd(ctx, r.userIndexKey(sess.AppName, sess.UserID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

func (r *RedisStore) Get(ctx context.Context, id types.Identity, opts types.GetOptions) (*types.Session, error) {
	if err := id.Validate(false); err != nil {
		return nil, err
	}

	pipe := r.client.TxPipeline()
	recordCmd := pipe.Get(ctx, r.sessionKey(id))
	eventsCmd := pipe.LRange(ctx, r.eventsKey(id), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get session: %w", err)
	}

	data, err := recordCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess types.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	raw, err := eventsCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get events: %w", err)
	}
	events := make([]*types.Event, 0, len(raw))
	for _, item := range raw {
		var event types.Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, &event)
	}
	sess.Events = selectEvents(events, opts)
	return &sess, nil
}

// List reads the index set, then the records. Index members whose record
// is gone are skipped.
func (r *RedisStore) List(ctx context.Context, appName, userID string) ([]*types.SessionSummary, error) {
	index := r.appIndexKey(appName)
	if userID != "" {
		index = r.userIndexKey(appName, userID)
	}
	members, err := r.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = r.prefix + "session:" + m
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	var out []*types.SessionSummary
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var sess types.Session
		if err := json.Unmarshal([]byte(str), &sess); err != nil {
			slog.Warn("skip unreadable session record", "key", members[i], "error", err)
			continue
		}
		out = append(out, sess.Summary())
	}
	return out, nil
}

func (r *RedisStore) AppendEvent(ctx context.Context, session *types.Session, event *types.Event) (*types.Event, error) {
	return appendEvent(ctx, r, session, event)
}

func (r *RedisStore) Update(ctx context.Context, id types.Identity, fn types.UpdateFunc) (*types.Session, error) {
	return update(ctx, r, id, fn)
}

func (r *RedisStore) load(ctx context.Context, id types.Identity) (*types.Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess types.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (r *RedisStore) commit(ctx context.Context, prev int64, next *types.Session, event *types.Event) error {
	record, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	var line []byte
	if event != nil {
		if line, err = json.Marshal(event); err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
	}

	key := r.sessionKey(next.Identity)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound(next.Identity)
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		var cur types.Session
		if err := json.Unmarshal(data, &cur); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		if cur.Version != prev {
			return errVersionMismatch
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, record, 0)
			if line != nil {
				pipe.RPush(ctx, r.eventsKey(next.Identity), line)
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return errVersionMismatch
	}
	return err
}

// Delete drops the event list first, then the record and index entries.
func (r *RedisStore) Delete(ctx context.Context, id types.Identity) error {
	if err := id.Validate(false); err != nil {
		return err
	}
	key := string(id.Key())
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.eventsKey(id))
	pipe.Del(ctx, r.sessionKey(id))
	pipe.SRem(ctx, r.appIndexKey(id.AppName), key)
	pipe.SRem(ctx, r.userIndexKey(id.AppName, id.UserID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Ping verifies server connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
