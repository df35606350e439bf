// Package circuitbreaker tracks per destination version circuit breaker state.
package circuitbreaker

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/wudi/meshroute/internal/config"
)

// State mirrors the breaker state machine.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func fromGoBreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// DefaultSleepWindow applies when a policy leaves sleep_window unset.
const DefaultSleepWindow = 30 * time.Second

var (
	errUpstream = errors.New("upstream request failed")
	errOverload = errors.New("concurrency limit exceeded")
	errReleased = errors.New("request not forwarded")
)

// breaker is the runtime state of one destination version.
type breaker struct {
	destination string
	version     string
	policy      config.SimpleCircuitBreakerPolicy
	sleepWindow time.Duration
	ceiling     int

	cb         *gobreaker.TwoStepCircuitBreaker[struct{}]
	overloaded atomic.Bool
	gen        atomic.Uint64 // bumped on every state change

	mu      sync.Mutex
	pending []*Ticket // admitted requests awaiting an outcome, oldest first

	hosts     atomic.Int64
	ejected   atomic.Int64
	ejectedAt atomic.Int64 // unix nanos, 0 when nothing is ejected
	rejected  atomic.Int64

	removedAt atomic.Int64 // unix nanos the version left configuration, 0 while configured
}

// concurrencyCeiling is the number of in-flight requests a version may hold
// before the breaker trips. The tighter of max_connections and
// http_max_requests bounds active requests; http_max_pending_requests adds
// queue headroom on top. Zero means unlimited.
func concurrencyCeiling(p config.SimpleCircuitBreakerPolicy) int {
	active := 0
	for _, limit := range []int{p.MaxConnections, p.HTTPMaxRequests} {
		if limit > 0 && (active == 0 || limit < active) {
			active = limit
		}
	}
	if p.HTTPMaxPendingRequests > 0 {
		return active + p.HTTPMaxPendingRequests
	}
	return active
}

func newBreaker(destination, version string, p config.SimpleCircuitBreakerPolicy, onChange func(b *breaker, from, to State)) *breaker {
	b := &breaker{
		destination: destination,
		version:     version,
		policy:      p,
		sleepWindow: p.SleepWindow,
		ceiling:     concurrencyCeiling(p),
	}
	if b.sleepWindow <= 0 {
		b.sleepWindow = DefaultSleepWindow
	}

	threshold := uint32(p.HTTPConsecutiveErrors)
	b.cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        key(destination, version),
		MaxRequests: 1, // a single half-open probe
		Interval:    p.HTTPDetectionInterval,
		Timeout:     b.sleepWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if b.overloaded.Load() {
				return true
			}
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, errReleased)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.gen.Add(1)
			f, t := fromGoBreaker(from), fromGoBreaker(to)
			b.applyEjection(t)
			if onChange != nil {
				onChange(b, f, t)
			}
		},
	})
	return b
}

// applyEjection marks hosts ejected on OPEN and restores them on CLOSED.
func (b *breaker) applyEjection(to State) {
	switch to {
	case StateOpen:
		b.ejected.Store(int64(ejectedHosts(int(b.hosts.Load()), b.policy.HTTPMaxEjectionPercent)))
		b.ejectedAt.Store(time.Now().UnixNano())
	case StateClosed:
		b.ejected.Store(0)
		b.ejectedAt.Store(0)
	}
}

// ejectedHosts returns how many of n hosts may be ejected; an unset
// percentage allows all of them.
func ejectedHosts(n, percent int) int {
	if n <= 0 {
		return 0
	}
	if percent <= 0 || percent > 100 {
		percent = 100
	}
	return min(n, int(math.Ceil(float64(n)*float64(percent)/100)))
}

// Ticket is the handle of one admitted request. Completing it reports the
// outcome of exactly that request; tickets admitted before a state change
// no longer move the breaker. A nil Ticket is valid and ignores completion.
type Ticket struct {
	b    *breaker
	done func(error)
	gen  uint64
}

// Complete reports whether the forwarded request succeeded. Only the first
// completion of a ticket counts.
func (tk *Ticket) Complete(success bool) {
	if success {
		tk.finish(nil)
		return
	}
	tk.finish(errUpstream)
}

// Release completes a request that was never forwarded, such as one aborted
// by fault injection. It counts as neither success nor failure.
func (tk *Ticket) Release() {
	tk.finish(errReleased)
}

func (tk *Ticket) finish(err error) {
	if tk == nil || tk.b == nil {
		return
	}
	if tk.b.take(tk) {
		tk.done(err)
	}
}

// admit registers a request as in flight and returns its ticket, or false
// when the breaker rejects it.
func (b *breaker) admit() (*Ticket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ceiling > 0 && len(b.pending) >= b.ceiling {
		if b.cb.State() == gobreaker.StateClosed {
			b.trip()
		}
		b.rejected.Add(1)
		return nil, false
	}

	done, err := b.cb.Allow()
	if err != nil {
		b.rejected.Add(1)
		return nil, false
	}
	tk := &Ticket{b: b, done: done, gen: b.gen.Load()}
	b.pending = append(b.pending, tk)
	return tk, true
}

// trip forces the breaker open by reporting a failure while overloaded.
func (b *breaker) trip() {
	b.overloaded.Store(true)
	defer b.overloaded.Store(false)
	if done, err := b.cb.Allow(); err == nil {
		done(errOverload)
	}
}

// take removes tk from the in-flight set. It returns false when tk was
// already completed.
func (b *breaker) take(tk *Ticket) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, p := range b.pending {
		if p == tk {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return true
		}
	}
	return false
}

// takeOldest removes and returns the oldest in-flight ticket admitted in the
// current generation. When every in-flight ticket predates the last state
// change the oldest one is returned; its outcome is ignored by the breaker.
func (b *breaker) takeOldest() *Ticket {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	i, gen := 0, b.gen.Load()
	for j, tk := range b.pending {
		if tk.gen == gen {
			i = j
			break
		}
	}
	tk := b.pending[i]
	b.pending = append(b.pending[:i], b.pending[i+1:]...)
	return tk
}

func (b *breaker) active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *breaker) snapshot() Snapshot {
	counts := b.cb.Counts()
	snap := Snapshot{
		Destination:         b.destination,
		Version:             b.version,
		State:               fromGoBreaker(b.cb.State()).String(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		Requests:            counts.Requests,
		TotalFailures:       counts.TotalFailures,
		TotalSuccesses:      counts.TotalSuccesses,
		Active:              b.active(),
		Ceiling:             b.ceiling,
		Hosts:               int(b.hosts.Load()),
		EjectedHosts:        int(b.ejected.Load()),
		TotalRejected:       b.rejected.Load(),
		SleepWindow:         b.sleepWindow,
		Removed:             b.removedAt.Load() != 0,
	}
	if at := b.ejectedAt.Load(); at != 0 {
		t := time.Unix(0, at)
		snap.EjectedAt = &t
	}
	return snap
}

// Snapshot is a point-in-time view of one destination version's breaker.
type Snapshot struct {
	Destination         string        `json:"destination"`
	Version             string        `json:"version"`
	State               string        `json:"state"`
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
	Requests            uint32        `json:"requests"`
	TotalFailures       uint32        `json:"total_failures"`
	TotalSuccesses      uint32        `json:"total_successes"`
	Active              int           `json:"active"`
	Ceiling             int           `json:"ceiling,omitempty"`
	Hosts               int           `json:"hosts"`
	EjectedHosts        int           `json:"ejected_hosts"`
	EjectedAt           *time.Time    `json:"ejected_at,omitempty"`
	TotalRejected       int64         `json:"total_rejected"`
	SleepWindow         time.Duration `json:"sleep_window"`
	Removed             bool          `json:"removed,omitempty"`
}
