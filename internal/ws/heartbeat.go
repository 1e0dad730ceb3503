package ws

import (
	"sync"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // delay between a pong (or admission) and the next ping
	Timeout  time.Duration // how long to wait for the pong before declaring the peer dead
}

// DefaultHeartbeatConfig returns the 5s probe / 1s deadline pair clients are
// tuned for.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 5 * time.Second,
		Timeout:  1 * time.Second,
	}
}

// LivenessState is the heartbeat state of one connection.
type LivenessState int32

const (
	StateAlive LivenessState = iota
	StateAwaitingPong
	StateDead
)

func (s LivenessState) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateAwaitingPong:
		return "awaiting_pong"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Monitor is the per-connection heartbeat state machine:
//
//	Alive --interval--> AwaitingPong --pong--> Alive
//	AwaitingPong --timeout--> Dead
//	any --Stop--> Dead
//
// The monitor owns a single timer. Every scheduled callback carries the
// generation it was armed with and does nothing if the monitor has moved on,
// so a timer that fires after a transition or after Stop is inert.
type Monitor struct {
	cfg    HeartbeatConfig
	probe  func() error // sends the ping frame
	onDead func()       // called once, outside the lock, when the peer times out

	mu      sync.Mutex
	state   LivenessState
	gen     uint64
	timer   *time.Timer
	started bool
}

// NewMonitor creates a monitor in the Alive state. No timer runs until Start.
func NewMonitor(cfg HeartbeatConfig, probe func() error, onDead func()) *Monitor {
	return &Monitor{cfg: cfg, probe: probe, onDead: onDead}
}

// Start schedules the first probe. It is a no-op if the monitor was already
// started or stopped.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.state == StateDead {
		return
	}
	m.started = true
	m.armLocked(m.cfg.Interval, m.probeDue)
}

// Pong records a pong from the peer. It returns true when it answered an
// outstanding probe; unsolicited pongs are ignored.
func (m *Monitor) Pong() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAwaitingPong {
		return false
	}
	m.state = StateAlive
	m.armLocked(m.cfg.Interval, m.probeDue)
	return true
}

// Stop moves the monitor to Dead and cancels its timer without invoking
// onDead. It returns false if the monitor was already dead.
func (m *Monitor) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDead {
		return false
	}
	m.killLocked()
	return true
}

// State returns the current state.
func (m *Monitor) State() LivenessState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) armLocked(d time.Duration, fn func(gen uint64)) {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(d, func() { fn(gen) })
}

func (m *Monitor) killLocked() {
	m.state = StateDead
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) probeDue(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateAlive {
		m.mu.Unlock()
		return
	}
	// Arm the deadline before writing so a fast pong always finds
	// AwaitingPong.
	m.state = StateAwaitingPong
	m.armLocked(m.cfg.Timeout, m.deadlineDue)
	m.mu.Unlock()

	if m.probe == nil {
		return
	}
	if err := m.probe(); err != nil {
		m.die()
	}
}

func (m *Monitor) deadlineDue(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateAwaitingPong {
		m.mu.Unlock()
		return
	}
	m.killLocked()
	m.mu.Unlock()

	if m.onDead != nil {
		m.onDead()
	}
}

func (m *Monitor) die() {
	m.mu.Lock()
	if m.state == StateDead {
		m.mu.Unlock()
		return
	}
	m.killLocked()
	m.mu.Unlock()

	if m.onDead != nil {
		m.onDead()
	}
}
