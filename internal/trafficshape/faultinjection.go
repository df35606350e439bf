// Package trafficshape decides synthetic faults for requests and connections.
package trafficshape

import (
	"sync/atomic"
	"time"

	"github.com/wudi/meshroute/internal/config"
	"github.com/wudi/meshroute/internal/loadbalancer"
	"github.com/wudi/meshroute/internal/match"
	"github.com/wudi/meshroute/internal/request"
)

// Fault kinds, in the order they are applied.
const (
	KindDelay     = "delay"
	KindAbort     = "abort"
	KindThrottle  = "throttle"
	KindTerminate = "terminate"
)

// Delay holds the request before forwarding.
type Delay struct {
	Duration time.Duration `json:"duration"`
}

// Abort fails the request with an HTTP status instead of forwarding.
type Abort struct {
	HTTPStatus int `json:"http_status"`
}

// Throttle limits connection bandwidth. Periods are relative to connection
// establishment.
type Throttle struct {
	DownstreamLimitBps int64         `json:"downstream_limit_bps,omitempty"`
	UpstreamLimitBps   int64         `json:"upstream_limit_bps,omitempty"`
	AfterPeriod        time.Duration `json:"after_period,omitempty"`
	AfterBytes         int64         `json:"after_bytes,omitempty"`
	ForPeriod          time.Duration `json:"for_period,omitempty"`
}

// Terminate closes the connection AfterPeriod after establishment.
type Terminate struct {
	AfterPeriod time.Duration `json:"after_period"`
}

// Outcome is the set of faults to apply. HTTP outcomes apply delay then
// abort; L4 outcomes apply throttle then terminate.
type Outcome struct {
	Delay     *Delay     `json:"delay,omitempty"`
	Abort     *Abort     `json:"abort,omitempty"`
	Throttle  *Throttle  `json:"throttle,omitempty"`
	Terminate *Terminate `json:"terminate,omitempty"`
}

// None reports whether no fault triggered.
func (o Outcome) None() bool {
	return o.Delay == nil && o.Abort == nil && o.Throttle == nil && o.Terminate == nil
}

// Kinds lists the triggered faults in application order.
func (o Outcome) Kinds() []string {
	var kinds []string
	if o.Delay != nil {
		kinds = append(kinds, KindDelay)
	}
	if o.Abort != nil {
		kinds = append(kinds, KindAbort)
	}
	if o.Throttle != nil {
		kinds = append(kinds, KindThrottle)
	}
	if o.Terminate != nil {
		kinds = append(kinds, KindTerminate)
	}
	return kinds
}

// roll returns true if a uniform draw in [0, 100) falls below percent.
func roll(rng loadbalancer.RandomSource, percent float64) bool {
	if percent >= 100 {
		return true
	}
	if percent <= 0 {
		return false
	}
	return rng.Float64()*100 < percent
}

// ApplyHTTP draws delay and abort independently. Both may trigger.
func ApplyHTTP(f *config.HTTPFaultInjection, rng loadbalancer.RandomSource) Outcome {
	var out Outcome
	if f == nil {
		return out
	}
	if d := f.Delay; d != nil && roll(rng, d.Percent) {
		out.Delay = &Delay{Duration: d.FixedDelay}
	}
	if a := f.Abort; a != nil && roll(rng, a.Percent) {
		out.Abort = &Abort{HTTPStatus: a.HTTPStatus}
	}
	return out
}

// ApplyL4 draws throttle and terminate independently.
func ApplyL4(f *config.L4FaultInjection, rng loadbalancer.RandomSource) Outcome {
	var out Outcome
	if f == nil {
		return out
	}
	if th := f.Throttle; th != nil && roll(rng, th.Percent) {
		out.Throttle = &Throttle{
			DownstreamLimitBps: th.DownstreamLimitBps,
			UpstreamLimitBps:   th.UpstreamLimitBps,
			AfterPeriod:        th.ThrottleAfterPeriod,
			AfterBytes:         th.ThrottleAfterBytes,
			ForPeriod:          th.ThrottleForPeriod,
		}
	}
	if te := f.Terminate; te != nil && roll(rng, te.Percent) {
		out.Terminate = &Terminate{AfterPeriod: te.TerminateAfterPeriod}
	}
	return out
}

// Apply dispatches on the fault type: *config.HTTPFaultInjection or
// *config.L4FaultInjection. Any other value yields no fault.
func Apply(fault any, rng loadbalancer.RandomSource) Outcome {
	switch f := fault.(type) {
	case *config.HTTPFaultInjection:
		return ApplyHTTP(f, rng)
	case *config.L4FaultInjection:
		return ApplyL4(f, rng)
	default:
		return Outcome{}
	}
}

// FaultInjector applies a route's faults to live traffic, honoring request
// override headers, and counts what it injected.
type FaultInjector struct {
	rng loadbalancer.RandomSource

	totalRequests   atomic.Int64
	totalDelayed    atomic.Int64
	totalAborted    atomic.Int64
	totalThrottled  atomic.Int64
	totalTerminated atomic.Int64
	totalDelayNs    atomic.Int64
}

// NewFaultInjector creates a FaultInjector drawing from rng; nil uses the
// process-wide source.
func NewFaultInjector(rng loadbalancer.RandomSource) *FaultInjector {
	if rng == nil {
		rng = loadbalancer.DefaultSource()
	}
	return &FaultInjector{rng: rng}
}

// HTTP decides the faults for one request. When headers is non-nil the
// fault only applies to requests satisfying it.
func (fi *FaultInjector) HTTP(f *config.HTTPFaultInjection, headers *match.Condition, ctx *request.Context) Outcome {
	if f == nil {
		return Outcome{}
	}
	fi.totalRequests.Add(1)
	if !headers.MatchHeaders(ctx) {
		return Outcome{}
	}

	out := ApplyHTTP(f, fi.rng)
	if out.Delay != nil {
		if d, ok := ctx.HeaderMillis(f.Delay.OverrideHeaderName); ok {
			out.Delay.Duration = d
		}
		fi.totalDelayed.Add(1)
		fi.totalDelayNs.Add(int64(out.Delay.Duration))
	}
	if out.Abort != nil {
		if status, ok := ctx.HeaderInt(f.Abort.OverrideHeaderName); ok && status >= 100 && status <= 599 {
			out.Abort.HTTPStatus = status
		}
		fi.totalAborted.Add(1)
	}
	return out
}

// L4 decides the faults for one connection.
func (fi *FaultInjector) L4(f *config.L4FaultInjection) Outcome {
	if f == nil {
		return Outcome{}
	}
	fi.totalRequests.Add(1)
	out := ApplyL4(f, fi.rng)
	if out.Throttle != nil {
		fi.totalThrottled.Add(1)
	}
	if out.Terminate != nil {
		fi.totalTerminated.Add(1)
	}
	return out
}

// Snapshot returns a point-in-time metrics snapshot.
func (fi *FaultInjector) Snapshot() FaultInjectionSnapshot {
	return FaultInjectionSnapshot{
		TotalRequests:   fi.totalRequests.Load(),
		TotalDelayed:    fi.totalDelayed.Load(),
		TotalAborted:    fi.totalAborted.Load(),
		TotalThrottled:  fi.totalThrottled.Load(),
		TotalTerminated: fi.totalTerminated.Load(),
		TotalDelayNs:    fi.totalDelayNs.Load(),
	}
}

// FaultInjectionSnapshot contains point-in-time fault injection metrics.
type FaultInjectionSnapshot struct {
	TotalRequests   int64 `json:"total_requests"`
	TotalDelayed    int64 `json:"total_delayed"`
	TotalAborted    int64 `json:"total_aborted"`
	TotalThrottled  int64 `json:"total_throttled"`
	TotalTerminated int64 `json:"total_terminated"`
	TotalDelayNs    int64 `json:"total_delay_ns"`
}
