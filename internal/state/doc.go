// Package state provides the session record store backends: local files,
// SQLite, Redis and Firestore. All of them share the optimistic
// read-modify-write loop in update.go.
package state

import "github.com/user/julesbot/internal/types"

// Compile-time interface compliance checks.
var _ types.SessionStore = (*FileStore)(nil)
var _ types.SessionStore = (*SQLiteStore)(nil)
var _ types.SessionStore = (*RedisStore)(nil)
var _ types.SessionStore = (*FirestoreStore)(nil)
