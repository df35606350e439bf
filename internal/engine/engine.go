// Package engine composes rule selection, weighted picking, policy
// resolution, circuit breaking and fault injection into routing decisions.
package engine

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/wudi/meshroute/internal/circuitbreaker"
	"github.com/wudi/meshroute/internal/config"
	merrors "github.com/wudi/meshroute/internal/errors"
	"github.com/wudi/meshroute/internal/loadbalancer"
	"github.com/wudi/meshroute/internal/logging"
	"github.com/wudi/meshroute/internal/match"
	"github.com/wudi/meshroute/internal/metrics"
	"github.com/wudi/meshroute/internal/policy"
	"github.com/wudi/meshroute/internal/router"
	"github.com/wudi/meshroute/internal/trafficshape"
	"go.uber.org/zap"
)

// Options configures an Engine. Every field is optional.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Collector
	// Random drives weighted picks and fault draws. Seed it for reproducible decisions.
	Random loadbalancer.RandomSource
	// Clock stamps snapshots and ages removed breakers.
	Clock          func() time.Time
	RegexCacheSize int
}

// Snapshot is an immutable compiled configuration. A request evaluates
// against exactly one Snapshot from start to finish.
type Snapshot struct {
	Version  uint64    `json:"version"`
	LoadedAt time.Time `json:"loaded_at"`
	Rules    int       `json:"rules"`
	Policies int       `json:"policies"`
	Errors   []string  `json:"errors,omitempty"`

	router    *router.Router
	policies  *policy.Index
	validated *config.Validated
}

// Engine produces routing decisions. It is safe for concurrent use; Load
// swaps the active Snapshot atomically while Decide keeps running.
type Engine struct {
	snapshot atomic.Pointer[Snapshot]
	loadMu   sync.Mutex

	compiler *match.Compiler
	tracker  *circuitbreaker.Tracker
	faults   *trafficshape.FaultInjector
	rng      loadbalancer.RandomSource
	metrics  *metrics.Collector
	logger   *zap.Logger
	clock    func() time.Time
}

// New creates an Engine with an empty configuration: every request falls
// back to its destination's default version.
func New(opts Options) *Engine {
	rng := opts.Random
	if rng == nil {
		rng = loadbalancer.DefaultSource()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := logging.Or(opts.Logger)
	m := opts.Metrics

	e := &Engine{
		compiler: match.NewCompiler(opts.RegexCacheSize),
		faults:   trafficshape.NewFaultInjector(rng),
		rng:      rng,
		metrics:  m,
		logger:   logger.Named("engine"),
		clock:    clock,
	}
	e.tracker = circuitbreaker.NewTracker(circuitbreaker.Options{
		Logger: logger,
		Clock:  clock,
		OnStateChange: func(tr circuitbreaker.Transition) {
			m.SetBreakerState(tr.Destination, tr.Version, int(tr.To))
		},
		OnReject: m.RecordBreakerRejection,
		OnRemove: m.DeleteBreaker,
	})

	empty, _ := router.New(e.compiler, nil)
	idx, _ := policy.NewIndex(nil)
	e.snapshot.Store(&Snapshot{
		LoadedAt: clock(),
		router:   empty,
		policies: idx,
	})
	return e
}

// snapshotVersion identifies a configuration. Loaded documents carry the
// hash of their raw bytes; configurations built in code are hashed from
// their rules and policies.
func snapshotVersion(cfg *config.Config) uint64 {
	if cfg.Hash != 0 {
		return cfg.Hash
	}
	data, err := json.Marshal(struct {
		Rules    []config.RouteRule
		Policies []config.DestinationPolicy
	}{cfg.RouteRules, cfg.DestinationPolicies})
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}

// Load validates and compiles cfg and makes it the active snapshot.
// Invalid entries are rejected individually and returned; they never block
// the rest of the configuration. A named entry that turns invalid keeps its
// previous valid definition.
func (e *Engine) Load(cfg *config.Config) []error {
	if cfg == nil {
		cfg = &config.Config{}
	}

	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	prev := e.snapshot.Load()
	validated := config.Validate(cfg, prev.validated)

	rt, routeErrs := router.New(e.compiler, validated.Rules)
	// Validate has already rejected every conflicting policy entry
	idx, _ := policy.NewIndex(validated.Policies)

	var errs []error
	errs = append(errs, validated.Errors...)
	errs = append(errs, routeErrs...)

	snap := &Snapshot{
		Version:   snapshotVersion(cfg),
		LoadedAt:  e.clock(),
		Rules:     rt.Len(),
		Policies:  idx.Len(),
		router:    rt,
		policies:  idx,
		validated: validated,
	}
	for _, err := range errs {
		snap.Errors = append(snap.Errors, err.Error())
		e.reportConfigError(err)
	}

	e.tracker.Sync(idx.Breakers())
	e.snapshot.Store(snap)
	e.metrics.SetSnapshotVersion(snap.Version)

	e.logger.Info("configuration snapshot loaded",
		zap.Uint64("version", snap.Version),
		zap.Int("rules", snap.Rules),
		zap.Int("policies", snap.Policies),
		zap.Int("errors", len(errs)),
	)
	return errs
}

func (e *Engine) reportConfigError(err error) {
	kind := merrors.KindOf(err)
	fields := []zap.Field{zap.String("kind", kind.String()), zap.Error(err)}
	if ce, ok := merrors.IsConfigError(err); ok && ce.Entry != "" {
		fields = append(fields, zap.String("entry", ce.Entry))
	}
	e.logger.Warn("configuration entry rejected", fields...)
	e.metrics.RecordConfigError(kind.String())
}

// Snapshot returns the active snapshot.
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

// Breakers returns the state of every tracked circuit breaker.
func (e *Engine) Breakers() []circuitbreaker.Snapshot {
	return e.tracker.Snapshots()
}

// SetHostCount records the instance count of a destination version for
// ejection accounting.
func (e *Engine) SetHostCount(destination string, tags config.Tags, n int) {
	e.tracker.SetHostCount(destination, tags.String(), n)
}

// Sweep drops circuit breaker state of versions absent from configuration
// for longer than their sleep window.
func (e *Engine) Sweep() int {
	n := e.tracker.Sweep()
	if n > 0 {
		e.logger.Debug("swept circuit breakers", zap.Int("removed", n))
	}
	return n
}

// FaultStats returns fault injection counters.
func (e *Engine) FaultStats() trafficshape.FaultInjectionSnapshot {
	return e.faults.Snapshot()
}
