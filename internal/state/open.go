package state

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/user/julesbot/internal/types"
)

// Backend names accepted by Open.
const (
	BackendFile      = "file"
	BackendSQLite    = "sqlite"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
)

// Options selects and configures a store backend.
type Options struct {
	Backend   string
	DataDir   string
	SQLite    string
	Redis     RedisConfig
	Firestore FirestoreConfig
}

// Open builds the configured backend. An empty Backend means file.
func Open(ctx context.Context, opts Options) (types.SessionStore, error) {
	switch opts.Backend {
	case "", BackendFile:
		return NewFileStore(opts.DataDir), nil
	case BackendSQLite:
		path := opts.SQLite
		if path == "" {
			path = filepath.Join(opts.DataDir, "sessions.db")
		}
		return NewSQLiteStore(path)
	case BackendRedis:
		return NewRedisStore(opts.Redis)
	case BackendFirestore:
		return NewFirestoreStore(ctx, opts.Firestore)
	}
	return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
}
