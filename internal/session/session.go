// Package session mirrors live WebSocket connections into Redis so that other
// processes (or other server instances) can see who is connected where. The
// in-process registry stays authoritative; Redis is a best-effort view with
// a TTL that is refreshed on every heartbeat pong.
package session
