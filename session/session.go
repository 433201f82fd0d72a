// Package session implements the Session Store interface from spec §6
// against two backends: an in-process map and Redis, generalized from
// the teacher's net.RedisClient/RedisRingClient idiom.
package session

import (
	"context"
	"time"
)

// Record is the stored representation of one authenticated session.
type Record struct {
	SessionID   string
	UserID      string
	Roles       []string
	Permissions []string
	CreatedAt   time.Time
	RotatedAt   time.Time
	ExpiresAt   time.Time
	LastAccess  time.Time
	BoundIP     string
	Revoked     bool
}

// Store is the capability set required of a session backend (spec §6):
// get, put, revoke, touch, and bulk enumeration for a user.
type Store interface {
	Get(ctx context.Context, sessionID string) (*Record, error)
	Put(ctx context.Context, rec *Record, ttl time.Duration) error
	Revoke(ctx context.Context, sessionID string) error
	Touch(ctx context.Context, sessionID string, lastAccess time.Time) error
	ListUserSessions(ctx context.Context, userID string) ([]string, error)

	// Ping reports whether the backing store is currently reachable,
	// used by the health-check freshness tracker.
	Ping(ctx context.Context) error
}

// ErrNotFound is returned by Get when no record exists for a session id.
type ErrNotFound struct{ SessionID string }

func (e *ErrNotFound) Error() string { return "session: record not found: " + e.SessionID }
