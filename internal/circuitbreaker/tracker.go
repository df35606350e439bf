package circuitbreaker

import (
	"sort"
	"time"

	"github.com/wudi/meshroute/internal/byroute"
	"github.com/wudi/meshroute/internal/config"
	"github.com/wudi/meshroute/internal/logging"
	"github.com/wudi/meshroute/internal/policy"
	"go.uber.org/zap"
)

// Transition describes one breaker state change.
type Transition struct {
	Destination string
	Version     string
	From        State
	To          State
	Ejected     int
}

// Options configures a Tracker.
type Options struct {
	Logger *zap.Logger
	// Clock measures how long a version has been absent from configuration.
	Clock func() time.Time
	// OnStateChange and OnReject observe breaker activity, typically for metrics.
	// They run on the request path and must not block.
	OnStateChange func(Transition)
	OnReject      func(destination, version string)
	OnRemove      func(destination, version string)
}

// Tracker owns the circuit breaker state of every destination version with a
// simple circuit breaker policy. Breakers are created on first traffic and
// outlive configuration snapshots. Each version has its own lock, so
// unrelated destinations never contend.
type Tracker struct {
	breakers *byroute.Manager[*breaker]
	hosts    *byroute.Manager[int]
	settings *byroute.Manager[config.SimpleCircuitBreakerPolicy]

	logger        *zap.Logger
	clock         func() time.Time
	onStateChange func(Transition)
	onReject      func(destination, version string)
	onRemove      func(destination, version string)
}

// NewTracker creates an empty Tracker.
func NewTracker(opts Options) *Tracker {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		breakers:      byroute.New[*breaker](),
		hosts:         byroute.New[int](),
		settings:      byroute.New[config.SimpleCircuitBreakerPolicy](),
		logger:        logging.Or(opts.Logger).Named("breaker"),
		clock:         clock,
		onStateChange: opts.OnStateChange,
		onReject:      opts.OnReject,
		onRemove:      opts.OnRemove,
	}
}

func key(destination, version string) string {
	return destination + "|" + version
}

func (t *Tracker) stateChanged(b *breaker, from, to State) {
	tr := Transition{
		Destination: b.destination,
		Version:     b.version,
		From:        from,
		To:          to,
		Ejected:     int(b.ejected.Load()),
	}
	t.logger.Info("circuit breaker state changed",
		zap.String("destination", tr.Destination),
		zap.String("version", tr.Version),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("ejected_hosts", tr.Ejected),
	)
	if t.onStateChange != nil {
		t.onStateChange(tr)
	}
}

// get returns the breaker for a version, creating it when the version has a
// configured policy. It returns nil for versions without a breaker.
func (t *Tracker) get(destination, version string) *breaker {
	k := key(destination, version)
	if b, ok := t.breakers.Get(k); ok {
		return b
	}
	p, ok := t.settings.Get(k)
	if !ok {
		return nil
	}
	b, created := t.breakers.GetOrCreate(k, func() *breaker {
		return newBreaker(destination, version, p, t.stateChanged)
	})
	if created {
		if n, ok := t.hosts.Get(k); ok {
			b.hosts.Store(int64(n))
		}
	}
	return b
}

// Acquire reports whether a request to the destination version may be
// forwarded. The returned ticket must be completed with Complete or Release
// once the request finishes. Versions without a circuit breaker policy are
// always admitted with a nil ticket.
func (t *Tracker) Acquire(destination, version string) (*Ticket, bool) {
	b := t.get(destination, version)
	if b == nil || b.removedAt.Load() != 0 {
		return nil, true
	}
	if tk, ok := b.admit(); ok {
		return tk, true
	}
	if t.onReject != nil {
		t.onReject(destination, version)
	}
	return nil, false
}

// Admit is Acquire for callers that report outcomes by version through
// RecordOutcome rather than holding the ticket.
func (t *Tracker) Admit(destination, version string) bool {
	_, ok := t.Acquire(destination, version)
	return ok
}

// RecordOutcome completes one in-flight request of the version, preferring
// the oldest one admitted since the breaker last changed state. A failure
// counts toward http_consecutive_errors; a success resets it and closes a
// half-open breaker.
func (t *Tracker) RecordOutcome(destination, version string, success bool) {
	b, ok := t.breakers.Get(key(destination, version))
	if !ok {
		return
	}
	tk := b.takeOldest()
	if tk == nil {
		t.logger.Debug("outcome without in-flight request",
			zap.String("destination", destination),
			zap.String("version", version))
		return
	}
	if success {
		tk.done(nil)
		return
	}
	tk.done(errUpstream)
}

// State returns the current state of a version; versions without a breaker
// report closed.
func (t *Tracker) State(destination, version string) State {
	b, ok := t.breakers.Get(key(destination, version))
	if !ok {
		return StateClosed
	}
	return fromGoBreaker(b.cb.State())
}

// SetHostCount records how many instances back a version, for ejection accounting.
func (t *Tracker) SetHostCount(destination, version string, n int) {
	k := key(destination, version)
	t.hosts.Add(k, n)
	if b, ok := t.breakers.Get(k); ok {
		b.hosts.Store(int64(n))
		if fromGoBreaker(b.cb.State()) == StateOpen {
			b.ejected.Store(int64(ejectedHosts(n, b.policy.HTTPMaxEjectionPercent)))
		}
	}
}

// Sync installs the breaker policies of a new configuration snapshot.
// Versions whose policy changed start over with fresh state. Versions that
// left the configuration keep their state until Sweep finds them absent for
// longer than their sleep window.
func (t *Tracker) Sync(policies map[policy.BreakerKey]config.SimpleCircuitBreakerPolicy) {
	wanted := make(map[string]config.SimpleCircuitBreakerPolicy, len(policies))
	for k, p := range policies {
		wanted[key(k.Destination, k.Version)] = p
	}

	for _, k := range t.settings.Keys() {
		if _, ok := wanted[k]; !ok {
			t.settings.Delete(k)
		}
	}
	for k, p := range wanted {
		t.settings.Add(k, p)
	}

	now := t.clock().UnixNano()
	var replaced []*breaker
	t.breakers.Range(func(k string, b *breaker) bool {
		p, ok := wanted[k]
		switch {
		case !ok:
			b.removedAt.CompareAndSwap(0, now)
		case p != b.policy:
			replaced = append(replaced, b)
		default:
			b.removedAt.Store(0)
		}
		return true
	})
	for _, b := range replaced {
		if t.breakers.Delete(key(b.destination, b.version)) && t.onRemove != nil {
			t.onRemove(b.destination, b.version)
		}
	}
}

// Sweep drops breakers whose version has been absent from configuration for
// longer than its sleep window. It returns the number removed.
func (t *Tracker) Sweep() int {
	now := t.clock()
	var expired []*breaker
	t.breakers.Range(func(_ string, b *breaker) bool {
		at := b.removedAt.Load()
		if at != 0 && now.Sub(time.Unix(0, at)) > b.sleepWindow {
			expired = append(expired, b)
		}
		return true
	})

	removed := 0
	for _, b := range expired {
		k := key(b.destination, b.version)
		if !t.breakers.Delete(k) {
			continue
		}
		removed++
		if _, ok := t.settings.Get(k); !ok {
			t.hosts.Delete(k)
		}
		t.logger.Debug("dropped breaker state",
			zap.String("destination", b.destination),
			zap.String("version", b.version))
		if t.onRemove != nil {
			t.onRemove(b.destination, b.version)
		}
	}
	return removed
}

// Snapshot returns the breaker view of one version.
func (t *Tracker) Snapshot(destination, version string) (Snapshot, bool) {
	b, ok := t.breakers.Get(key(destination, version))
	if !ok {
		return Snapshot{}, false
	}
	return b.snapshot(), true
}

// Snapshots returns every tracked breaker, ordered by destination then version.
func (t *Tracker) Snapshots() []Snapshot {
	var out []Snapshot
	t.breakers.Range(func(_ string, b *breaker) bool {
		out = append(out, b.snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Destination != out[j].Destination {
			return out[i].Destination < out[j].Destination
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Len returns the number of tracked breakers.
func (t *Tracker) Len() int {
	return t.breakers.Len()
}
