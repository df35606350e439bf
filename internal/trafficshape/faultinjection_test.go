package trafficshape

import (
	"net/http"
	"testing"
	"time"

	"github.com/wudi/meshroute/internal/config"
	"github.com/wudi/meshroute/internal/loadbalancer"
	"github.com/wudi/meshroute/internal/match"
	"github.com/wudi/meshroute/internal/request"
)

// scripted returns Float64 draws from a fixed list.
type scripted struct {
	draws []float64
	calls int
}

func (s *scripted) IntN(n int) int { return 0 }

func (s *scripted) Float64() float64 {
	v := s.draws[s.calls%len(s.draws)]
	s.calls++
	return v
}

func TestApplyHTTP_FullDelay(t *testing.T) {
	f := &config.HTTPFaultInjection{
		Delay: &config.FaultDelay{Percent: 100, FixedDelay: 2 * time.Second},
	}
	rng := loadbalancer.NewLockedSource(1)
	for i := 0; i < 1000; i++ {
		out := ApplyHTTP(f, rng)
		if out.Delay == nil || out.Delay.Duration != 2*time.Second {
			t.Fatalf("iteration %d: expected 2s delay, got %+v", i, out)
		}
		if out.Abort != nil {
			t.Fatalf("iteration %d: unexpected abort", i)
		}
	}
}

func TestApplyHTTP_ZeroPercentNeverTriggers(t *testing.T) {
	f := &config.HTTPFaultInjection{
		Delay: &config.FaultDelay{Percent: 0, FixedDelay: 2 * time.Second},
		Abort: &config.FaultAbort{Percent: 0, HTTPStatus: 503},
	}
	rng := loadbalancer.NewLockedSource(1)
	for i := 0; i < 1000; i++ {
		if out := ApplyHTTP(f, rng); !out.None() {
			t.Fatalf("iteration %d: unexpected fault %+v", i, out)
		}
	}
}

func TestApplyHTTP_IndependentDraws(t *testing.T) {
	f := &config.HTTPFaultInjection{
		Delay: &config.FaultDelay{Percent: 50, FixedDelay: time.Second},
		Abort: &config.FaultAbort{Percent: 50, HTTPStatus: 503},
	}

	tests := []struct {
		name      string
		draws     []float64
		wantDelay bool
		wantAbort bool
	}{
		{"both", []float64{0.1, 0.2}, true, true},
		{"delay only", []float64{0.1, 0.9}, true, false},
		{"abort only", []float64{0.9, 0.1}, false, true},
		{"neither", []float64{0.9, 0.9}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := &scripted{draws: tt.draws}
			out := ApplyHTTP(f, rng)
			if (out.Delay != nil) != tt.wantDelay {
				t.Errorf("delay = %v, want %v", out.Delay != nil, tt.wantDelay)
			}
			if (out.Abort != nil) != tt.wantAbort {
				t.Errorf("abort = %v, want %v", out.Abort != nil, tt.wantAbort)
			}
			if rng.calls != 2 {
				t.Errorf("expected 2 draws, got %d", rng.calls)
			}
		})
	}

	both := ApplyHTTP(f, &scripted{draws: []float64{0, 0}})
	kinds := both.Kinds()
	if len(kinds) != 2 || kinds[0] != KindDelay || kinds[1] != KindAbort {
		t.Errorf("expected delay then abort, got %v", kinds)
	}
}

func TestApplyHTTP_Distribution(t *testing.T) {
	f := &config.HTTPFaultInjection{Abort: &config.FaultAbort{Percent: 25, HTTPStatus: 503}}
	rng := loadbalancer.NewLockedSource(11)
	aborted := 0
	const iterations = 10000
	for i := 0; i < iterations; i++ {
		if ApplyHTTP(f, rng).Abort != nil {
			aborted++
		}
	}
	if ratio := float64(aborted) / iterations; ratio < 0.23 || ratio > 0.27 {
		t.Errorf("abort ratio %.3f outside [0.23, 0.27]", ratio)
	}
}

func TestApplyL4_Order(t *testing.T) {
	f := &config.L4FaultInjection{
		Throttle: &config.FaultThrottle{
			Percent:             100,
			DownstreamLimitBps:  1024,
			UpstreamLimitBps:    2048,
			ThrottleAfterPeriod: time.Second,
			ThrottleForPeriod:   10 * time.Second,
		},
		Terminate: &config.FaultTerminate{Percent: 100, TerminateAfterPeriod: 30 * time.Second},
	}
	out := ApplyL4(f, loadbalancer.NewLockedSource(1))

	kinds := out.Kinds()
	if len(kinds) != 2 || kinds[0] != KindThrottle || kinds[1] != KindTerminate {
		t.Fatalf("expected throttle then terminate, got %v", kinds)
	}
	if out.Throttle.DownstreamLimitBps != 1024 || out.Throttle.UpstreamLimitBps != 2048 || out.Throttle.ForPeriod != 10*time.Second {
		t.Errorf("unexpected throttle %+v", out.Throttle)
	}
	if out.Terminate.AfterPeriod != 30*time.Second {
		t.Errorf("terminate period %v, want 30s", out.Terminate.AfterPeriod)
	}

	rng := &scripted{draws: []float64{0.99}}
	always := ApplyL4(f, rng)
	if always.Throttle == nil || always.Terminate == nil {
		t.Errorf("percent 100 must trigger regardless of draw: %+v", always)
	}
	if rng.calls != 0 {
		t.Errorf("percent 100 should not consume draws, used %d", rng.calls)
	}

	f.Throttle.Percent = 50
	f.Terminate.Percent = 50
	partial := ApplyL4(f, &scripted{draws: []float64{0.9, 0.1}})
	if partial.Throttle != nil || partial.Terminate == nil {
		t.Errorf("expected terminate without throttle, got %+v", partial)
	}
}

func TestApply_Dispatch(t *testing.T) {
	rng := loadbalancer.NewLockedSource(1)
	if out := Apply(&config.HTTPFaultInjection{Abort: &config.FaultAbort{Percent: 100, HTTPStatus: 500}}, rng); out.Abort == nil {
		t.Error("expected abort from HTTP fault")
	}
	if out := Apply(&config.L4FaultInjection{Terminate: &config.FaultTerminate{Percent: 100}}, rng); out.Terminate == nil {
		t.Error("expected terminate from L4 fault")
	}
	if out := Apply("nonsense", rng); !out.None() {
		t.Error("unknown fault type should yield no fault")
	}
	if out := ApplyHTTP(nil, rng); !out.None() {
		t.Error("nil fault should yield no fault")
	}
}

func httpCtx(headers map[string]string) *request.Context {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &request.Context{Protocol: config.ProtocolHTTP, Headers: h}
}

func TestFaultInjector_HeaderGate(t *testing.T) {
	f := &config.HTTPFaultInjection{
		Abort:   &config.FaultAbort{Percent: 100, HTTPStatus: 503},
		Headers: map[string]config.StringMatch{"x-chaos": config.Exact("on")},
	}
	gate, errs := match.NewCompiler(0).Headers("chaos", f.Headers)
	if len(errs) != 0 {
		t.Fatalf("compile: %v", errs)
	}

	fi := NewFaultInjector(loadbalancer.NewLockedSource(1))
	if out := fi.HTTP(f, gate, httpCtx(nil)); !out.None() {
		t.Errorf("fault applied without gate header: %+v", out)
	}
	if out := fi.HTTP(f, gate, httpCtx(map[string]string{"X-Chaos": "on"})); out.Abort == nil {
		t.Error("fault not applied with gate header")
	}

	snap := fi.Snapshot()
	if snap.TotalRequests != 2 || snap.TotalAborted != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestFaultInjector_OverrideHeaders(t *testing.T) {
	f := &config.HTTPFaultInjection{
		Delay: &config.FaultDelay{Percent: 100, FixedDelay: 2 * time.Second, OverrideHeaderName: "x-fault-delay-ms"},
		Abort: &config.FaultAbort{Percent: 100, HTTPStatus: 503, OverrideHeaderName: "x-fault-abort-status"},
	}
	fi := NewFaultInjector(loadbalancer.NewLockedSource(1))

	tests := []struct {
		name       string
		headers    map[string]string
		wantDelay  time.Duration
		wantStatus int
	}{
		{"no override", nil, 2 * time.Second, 503},
		{"override both", map[string]string{"X-Fault-Delay-Ms": "150", "X-Fault-Abort-Status": "429"}, 150 * time.Millisecond, 429},
		{"garbage ignored", map[string]string{"X-Fault-Delay-Ms": "soon", "X-Fault-Abort-Status": "42"}, 2 * time.Second, 503},
		{"overflowing delay ignored", map[string]string{"X-Fault-Delay-Ms": "9300000000000"}, 2 * time.Second, 503},
		{"negative delay ignored", map[string]string{"X-Fault-Delay-Ms": "-1"}, 2 * time.Second, 503},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := fi.HTTP(f, nil, httpCtx(tt.headers))
			if out.Delay == nil || out.Delay.Duration != tt.wantDelay {
				t.Errorf("delay = %+v, want %v", out.Delay, tt.wantDelay)
			}
			if out.Abort == nil || out.Abort.HTTPStatus != tt.wantStatus {
				t.Errorf("abort = %+v, want %d", out.Abort, tt.wantStatus)
			}
		})
	}
}

func TestFaultInjector_L4Counters(t *testing.T) {
	fi := NewFaultInjector(nil)
	f := &config.L4FaultInjection{
		Throttle:  &config.FaultThrottle{Percent: 100, DownstreamLimitBps: 1},
		Terminate: &config.FaultTerminate{Percent: 0},
	}
	for i := 0; i < 10; i++ {
		fi.L4(f)
	}
	snap := fi.Snapshot()
	if snap.TotalRequests != 10 || snap.TotalThrottled != 10 || snap.TotalTerminated != 0 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if out := fi.L4(nil); !out.None() {
		t.Error("nil L4 fault should yield no fault")
	}
}
