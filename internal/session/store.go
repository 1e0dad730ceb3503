package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaychat/presence/internal/auth"
)

const (
	// SessionPrefix is the Redis key prefix for per-connection hashes.
	SessionPrefix = "presence:conn:"

	// UserPrefix is the Redis key prefix for the set of connection ids held
	// by one user.
	UserPrefix = "presence:user:"

	// SessionTTL bounds how long a record survives a crashed server.
	SessionTTL = 2 * time.Minute
)

// Session is the mirrored state of one connection.
type Session struct {
	ID          string `redis:"id"`
	UserID      string `redis:"user_id"`  // empty for anonymous connections
	Username    string `redis:"username"` // empty for anonymous connections
	Server      string `redis:"server"`   // which server instance holds the socket
	RemoteAddr  string `redis:"remote_addr"`
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastSeen    int64  `redis:"last_seen"`    // unix timestamp of the last pong
}

// Store manages the presence mirror in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create records an admitted connection. id is nil for anonymous
// connections, which are mirrored without a user index entry.
func (s *Store) Create(ctx context.Context, connID string, id *auth.Identity, remoteAddr string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	sess := Session{
		ID:          connID,
		Server:      s.serverName,
		RemoteAddr:  remoteAddr,
		ConnectedAt: now,
		LastSeen:    now,
	}
	if id != nil {
		sess.UserID = id.UserID
		sess.Username = id.Username
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, sess)
	pipe.Expire(ctx, key, SessionTTL)
	if id != nil {
		userKey := UserPrefix + id.UserID
		pipe.SAdd(ctx, userKey, connID)
		pipe.Expire(ctx, userKey, SessionTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Touch records a heartbeat for the connection and refreshes the TTLs.
func (s *Store) Touch(ctx context.Context, connID, userID string) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	if userID != "" {
		pipe.Expire(ctx, UserPrefix+userID, SessionTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a mirrored connection.
func (s *Store) Delete(ctx context.Context, connID, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, SessionPrefix+connID)
	if userID != "" {
		pipe.SRem(ctx, UserPrefix+userID, connID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client, shared with the rate limiter.
func (s *Store) Client() *redis.Client {
	return s.client
}
