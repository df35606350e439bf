package engine

import (
	"time"

	"github.com/wudi/meshroute/internal/circuitbreaker"
	"github.com/wudi/meshroute/internal/config"
	"github.com/wudi/meshroute/internal/metrics"
	"github.com/wudi/meshroute/internal/policy"
	"github.com/wudi/meshroute/internal/request"
	"github.com/wudi/meshroute/internal/router"
	"github.com/wudi/meshroute/internal/trafficshape"
)

// TimeoutPolicy is the request timeout handed to the network layer. Custom
// carries an opaque policy the engine does not interpret.
type TimeoutPolicy struct {
	Timeout time.Duration `json:"timeout,omitempty"`
	Custom  any           `json:"custom,omitempty"`
}

// RetryPolicy is the retry behaviour handed to the network layer.
type RetryPolicy struct {
	Attempts      int           `json:"attempts,omitempty"`
	PerTryTimeout time.Duration `json:"per_try_timeout,omitempty"`
	Custom        any           `json:"custom,omitempty"`
}

// Decision is the routing outcome for one request or connection.
type Decision struct {
	SnapshotVersion uint64 `json:"snapshot_version"`
	// Rule is empty when no rule matched and Fallback is set.
	Rule     string `json:"rule,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`

	Destination string      `json:"destination"`
	Tags        config.Tags `json:"tags,omitempty"`
	Version     string      `json:"version"`

	Timeout *TimeoutPolicy  `json:"timeout,omitempty"`
	Retry   *RetryPolicy    `json:"retry,omitempty"`
	Policy  policy.Resolved `json:"policy"`

	// Admitted is false when the circuit breaker rejected the request; the
	// network layer fails it without forwarding.
	Admitted     bool   `json:"admitted"`
	BreakerState string `json:"breaker_state,omitempty"`
	EjectedHosts int    `json:"ejected_hosts,omitempty"`

	Fault trafficshape.Outcome `json:"fault"`

	ticket *circuitbreaker.Ticket
}

// Forward reports whether the network layer should send the request upstream.
func (d Decision) Forward() bool {
	return d.Admitted && d.Fault.Abort == nil
}

// Decide routes one request. It never blocks and never fails: configuration
// problems degrade to the destination's default version.
func (e *Engine) Decide(ctx *request.Context) Decision {
	snap := e.snapshot.Load()

	d := Decision{SnapshotVersion: snap.Version}

	route, ok := snap.router.Select(ctx)
	if ok {
		target := route.Picker.Pick(e.rng)
		d.Rule = route.ID
		d.Destination = target.Destination
		d.Tags = target.Tags
		if ctx.IsHTTP() {
			d.Timeout = timeoutPolicy(route.Rule.HTTPReqTimeout, ctx)
			d.Retry = retryPolicy(route.Rule.HTTPReqRetries, ctx)
		}
		e.metrics.RecordRuleMatch(route.ID)
	} else {
		d.Fallback = true
		d.Destination = ctx.Destination
	}
	d.Version = d.Tags.String()
	d.Policy = snap.policies.Lookup(d.Destination, d.Tags)

	d.ticket, d.Admitted = e.tracker.Acquire(d.Destination, d.Version)
	if d.Policy.HasBreaker() {
		if bs, ok := e.tracker.Snapshot(d.Destination, d.Version); ok {
			d.BreakerState = bs.State
			d.EjectedHosts = bs.EjectedHosts
		}
	}

	if d.Admitted && route != nil {
		d.Fault = e.applyFaults(route, ctx)
		if d.Fault.Abort != nil {
			// aborted requests never reach the upstream
			d.ticket.Release()
			d.ticket = nil
		}
	}

	e.metrics.RecordDecision(d.Destination, d.Version, result(d))
	return d
}

func (e *Engine) applyFaults(route *router.Route, ctx *request.Context) trafficshape.Outcome {
	var out trafficshape.Outcome
	if ctx.IsHTTP() {
		out = e.faults.HTTP(route.Rule.HTTPFault, route.FaultHeaders, ctx)
	} else {
		out = e.faults.L4(route.Rule.L4Fault)
	}
	for _, kind := range out.Kinds() {
		e.metrics.RecordFault(kind)
	}
	return out
}

func result(d Decision) string {
	switch {
	case !d.Admitted:
		return metrics.ResultRejected
	case d.Fault.Abort != nil:
		return metrics.ResultAborted
	case d.Fallback:
		return metrics.ResultFallback
	default:
		return metrics.ResultRouted
	}
}

// Report feeds the upstream outcome of a forwarded request back into the
// circuit breaker. Only the request the decision admitted is completed;
// decisions that were not forwarded, or were already reported, are ignored.
func (e *Engine) Report(d Decision, success bool) {
	if !d.Forward() {
		return
	}
	d.ticket.Complete(success)
}

// BreakerState returns the breaker state of a destination version.
func (e *Engine) BreakerState(destination string, tags config.Tags) circuitbreaker.State {
	return e.tracker.State(destination, tags.String())
}

func timeoutPolicy(t *config.HTTPTimeout, ctx *request.Context) *TimeoutPolicy {
	if t == nil {
		return nil
	}
	if t.SimpleTimeout == nil {
		return &TimeoutPolicy{Custom: t.Custom}
	}
	p := &TimeoutPolicy{Timeout: t.SimpleTimeout.Timeout}
	if d, ok := ctx.HeaderMillis(t.SimpleTimeout.OverrideHeaderName); ok {
		p.Timeout = d
	}
	return p
}

func retryPolicy(r *config.HTTPRetry, ctx *request.Context) *RetryPolicy {
	if r == nil {
		return nil
	}
	if r.SimpleRetry == nil {
		return &RetryPolicy{Custom: r.Custom}
	}
	p := &RetryPolicy{
		Attempts:      r.SimpleRetry.Attempts,
		PerTryTimeout: r.SimpleRetry.PerTryTimeout,
	}
	if n, ok := ctx.HeaderInt(r.SimpleRetry.OverrideHeaderName); ok && n >= 0 {
		p.Attempts = n
	}
	return p
}
