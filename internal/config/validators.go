package config

import (
	"fmt"
	"net/netip"
	"strings"

	merrors "github.com/wudi/meshroute/internal/errors"
)

// Validated is the accepted subset of a Config. Rule and policy names are
// filled with their identity so later stages can report against them.
type Validated struct {
	Rules    []RouteRule
	Policies []DestinationPolicy
	Errors   []error

	namedRules    map[string]RouteRule
	namedPolicies map[string]DestinationPolicy
}

// Validate checks every rule and policy individually. A rejected entry never
// fails the whole document. When previous is non-nil, an invalid entry whose
// explicit name was valid in previous keeps its previous definition.
func Validate(cfg *Config, previous *Validated) *Validated {
	v := &Validated{
		namedRules:    make(map[string]RouteRule),
		namedPolicies: make(map[string]DestinationPolicy),
	}

	seen := make(map[string]bool, len(cfg.RouteRules))
	for i, rule := range cfg.RouteRules {
		id := rule.RuleID(i)
		explicit := rule.Name != ""

		var err error
		if seen[id] {
			err = merrors.New(merrors.InvalidPolicy, id, "duplicate rule name")
		} else {
			err = validateRule(id, rule)
		}
		seen[id] = true

		if err != nil {
			v.Errors = append(v.Errors, err)
			// the previous entry stands in only while no entry of this name was kept
			if _, kept := v.namedRules[id]; explicit && !kept && previous != nil {
				if prev, ok := previous.namedRules[id]; ok {
					v.Rules = append(v.Rules, prev)
					v.namedRules[id] = prev
				}
			}
			continue
		}

		rule.Name = id
		v.Rules = append(v.Rules, rule)
		if explicit {
			v.namedRules[id] = rule
		}
	}

	var candidates []DestinationPolicy
	seenPolicies := make(map[string]bool, len(cfg.DestinationPolicies))
	explicitPolicies := make(map[string]bool)
	kept := make(map[string]bool)
	for i, policy := range cfg.DestinationPolicies {
		id := policy.PolicyID(i)
		explicit := policy.Name != ""
		if explicit {
			explicitPolicies[id] = true
		}

		var err error
		if seenPolicies[id] {
			err = merrors.New(merrors.InvalidPolicy, id, "duplicate policy name")
		} else {
			err = validatePolicy(id, policy)
		}
		seenPolicies[id] = true

		if err != nil {
			v.Errors = append(v.Errors, err)
			if explicit && !kept[id] && previous != nil {
				if prev, ok := previous.namedPolicies[id]; ok {
					candidates = append(candidates, prev)
					kept[id] = true
				}
			}
			continue
		}
		policy.Name = id
		candidates = append(candidates, policy)
		kept[id] = true
	}

	v.Policies, v.Errors = rejectConflicts(candidates, v.Errors)
	for _, p := range v.Policies {
		if explicitPolicies[p.Name] {
			v.namedPolicies[p.Name] = p
		}
	}

	return v
}

// rejectConflicts drops every policy whose (destination, tags) pair is claimed more than once.
func rejectConflicts(policies []DestinationPolicy, errs []error) ([]DestinationPolicy, []error) {
	owners := make(map[string][]string)
	for _, p := range policies {
		key := PolicyKey(p.Destination, p.Tags)
		owners[key] = append(owners[key], p.Name)
	}

	accepted := make([]DestinationPolicy, 0, len(policies))
	for _, p := range policies {
		names := owners[PolicyKey(p.Destination, p.Tags)]
		if len(names) > 1 {
			errs = append(errs, merrors.New(merrors.ConflictingPolicy, p.Name,
				"multiple policies target the same destination version").
				WithDetails(strings.Join(names, ", ")))
			continue
		}
		accepted = append(accepted, p)
	}
	return accepted, errs
}

// PolicyKey identifies a destination version.
func PolicyKey(destination string, tags Tags) string {
	return destination + "|" + tags.String()
}

// tagReserved are the separators of Tags.String and PolicyKey. Tags and
// destinations carrying them would render ambiguous version keys.
const tagReserved = ",=|"

func validateDestination(id, destination string) error {
	if destination == "" {
		return merrors.New(merrors.InvalidPolicy, id, "destination is required")
	}
	if strings.Contains(destination, "|") {
		return merrors.Newf(merrors.InvalidPolicy, id, "destination %q must not contain '|'", destination)
	}
	return nil
}

func validateTags(id, field string, tags Tags) error {
	for k, val := range tags {
		if k == "" {
			return merrors.New(merrors.InvalidPolicy, id, field+" has an empty key")
		}
		if strings.ContainsAny(k, tagReserved) || strings.ContainsAny(val, tagReserved) {
			return merrors.Newf(merrors.InvalidPolicy, id, "%s %s=%s must not contain any of %q", field, k, val, tagReserved)
		}
	}
	return nil
}

func validateRule(id string, r RouteRule) error {
	if err := validateDestination(id, r.Destination); err != nil {
		return err
	}

	if err := validateWeights(id, r.Route); err != nil {
		return err
	}

	if r.Match != nil {
		if err := validateMatch(id, r.Match); err != nil {
			return err
		}
	}

	if t := r.HTTPReqTimeout; t != nil {
		if (t.SimpleTimeout == nil) == (t.Custom == nil) {
			return merrors.New(merrors.InvalidPolicy, id, "http_req_timeout requires exactly one of simple_timeout or custom")
		}
		if t.SimpleTimeout != nil && t.SimpleTimeout.Timeout < 0 {
			return merrors.New(merrors.InvalidPolicy, id, "http_req_timeout.simple_timeout.timeout must not be negative")
		}
	}

	if rt := r.HTTPReqRetries; rt != nil {
		if (rt.SimpleRetry == nil) == (rt.Custom == nil) {
			return merrors.New(merrors.InvalidPolicy, id, "http_req_retries requires exactly one of simple_retry or custom")
		}
		if s := rt.SimpleRetry; s != nil && (s.Attempts < 0 || s.PerTryTimeout < 0) {
			return merrors.New(merrors.InvalidPolicy, id, "http_req_retries.simple_retry values must not be negative")
		}
	}

	if f := r.HTTPFault; f != nil {
		if err := validateHTTPFault(id, f); err != nil {
			return err
		}
	}
	if f := r.L4Fault; f != nil {
		if err := validateL4Fault(id, f); err != nil {
			return err
		}
	}
	return nil
}

func validateWeights(id string, weights []DestinationWeight) error {
	if len(weights) == 0 {
		return nil
	}
	if len(weights) == 1 && weights[0].Weight == 0 {
		return validateTags(id, "route[0].tags", weights[0].Tags)
	}

	total := 0
	for i, w := range weights {
		if err := validateTags(id, fmt.Sprintf("route[%d].tags", i), w.Tags); err != nil {
			return err
		}
		if w.Weight < 0 || w.Weight > 100 {
			return merrors.Newf(merrors.InvalidPolicy, id, "route[%d].weight %d out of range 0-100", i, w.Weight)
		}
		total += w.Weight
	}
	if total != 100 {
		return merrors.Newf(merrors.InvalidPolicy, id, "route weights sum to %d, want 100", total)
	}
	return nil
}

func validateMatch(id string, m *MatchCondition) error {
	if err := validateTags(id, "match.source_tags", m.SourceTags); err != nil {
		return err
	}
	for name, sm := range m.HTTPHeaders {
		if err := validateStringMatch(id, "http_headers["+name+"]", sm); err != nil {
			return err
		}
	}
	sections := []struct {
		name string
		l4   *L4MatchAttributes
	}{{"tcp", m.TCP}, {"udp", m.UDP}}
	for _, sec := range sections {
		if sec.l4 == nil {
			continue
		}
		subnets := append(append([]string{}, sec.l4.SourceSubnet...), sec.l4.DestinationSubnet...)
		for _, s := range subnets {
			if _, err := ParseSubnet(s); err != nil {
				return merrors.Wrap(err, merrors.InvalidPolicy, id, "match."+sec.name+" subnet "+s)
			}
		}
	}
	return nil
}

func validateStringMatch(id, field string, sm StringMatch) error {
	switch sm.Kind() {
	case MatchNone:
		return merrors.New(merrors.InvalidPolicy, id, field+" sets no match variant")
	case MatchAmbiguous:
		return merrors.New(merrors.InvalidPolicy, id, field+" sets more than one match variant")
	}
	return nil
}

func validatePercent(id, field string, pct float64) error {
	if pct < 0 || pct > 100 {
		return merrors.Newf(merrors.InvalidPolicy, id, "%s.percent %g out of range 0-100", field, pct)
	}
	return nil
}

func validateHTTPFault(id string, f *HTTPFaultInjection) error {
	if d := f.Delay; d != nil {
		if d.ExponentialDelay != 0 {
			return merrors.New(merrors.UnsupportedFeature, id, "http_fault.delay.exponential_delay is not supported")
		}
		if err := validatePercent(id, "http_fault.delay", d.Percent); err != nil {
			return err
		}
		if d.FixedDelay <= 0 {
			return merrors.New(merrors.InvalidPolicy, id, "http_fault.delay.fixed_delay is required")
		}
	}
	if a := f.Abort; a != nil {
		if a.GRPCStatus != "" {
			return merrors.New(merrors.UnsupportedFeature, id, "http_fault.abort.grpc_status is not supported")
		}
		if a.HTTP2Error != "" {
			return merrors.New(merrors.UnsupportedFeature, id, "http_fault.abort.http2_error is not supported")
		}
		if err := validatePercent(id, "http_fault.abort", a.Percent); err != nil {
			return err
		}
		if a.HTTPStatus < 100 || a.HTTPStatus > 599 {
			return merrors.Newf(merrors.InvalidPolicy, id, "http_fault.abort.http_status %d out of range", a.HTTPStatus)
		}
	}
	for name, sm := range f.Headers {
		if err := validateStringMatch(id, "http_fault.headers["+name+"]", sm); err != nil {
			return err
		}
	}
	return nil
}

func validateL4Fault(id string, f *L4FaultInjection) error {
	if t := f.Throttle; t != nil {
		if err := validatePercent(id, "l4_fault.throttle", t.Percent); err != nil {
			return err
		}
		if t.DownstreamLimitBps < 0 || t.UpstreamLimitBps < 0 {
			return merrors.New(merrors.InvalidPolicy, id, "l4_fault.throttle limits must not be negative")
		}
		if t.DownstreamLimitBps == 0 && t.UpstreamLimitBps == 0 {
			return merrors.New(merrors.InvalidPolicy, id, "l4_fault.throttle requires a downstream or upstream limit")
		}
		if t.ThrottleAfterPeriod != 0 && t.ThrottleAfterBytes != 0 {
			return merrors.New(merrors.InvalidPolicy, id, "l4_fault.throttle sets both throttle_after_period and throttle_after_bytes")
		}
		if t.ThrottleAfterPeriod < 0 || t.ThrottleAfterBytes < 0 || t.ThrottleForPeriod < 0 {
			return merrors.New(merrors.InvalidPolicy, id, "l4_fault.throttle periods must not be negative")
		}
	}
	if tm := f.Terminate; tm != nil {
		if err := validatePercent(id, "l4_fault.terminate", tm.Percent); err != nil {
			return err
		}
		if tm.TerminateAfterPeriod < 0 {
			return merrors.New(merrors.InvalidPolicy, id, "l4_fault.terminate.terminate_after_period must not be negative")
		}
	}
	return nil
}

var validLBPolicies = map[SimpleLBPolicy]bool{
	LBRoundRobin: true,
	LBLeastConn:  true,
	LBRandom:     true,
}

func validatePolicy(id string, p DestinationPolicy) error {
	if err := validateDestination(id, p.Destination); err != nil {
		return err
	}
	if err := validateTags(id, "tags", p.Tags); err != nil {
		return err
	}
	if p.LoadBalancing != nil && p.CircuitBreaker != nil {
		return merrors.New(merrors.InvalidPolicy, id, "at most one of load_balancing or circuit_breaker may be set")
	}

	if lb := p.LoadBalancing; lb != nil {
		if (lb.Name == "") == (lb.Custom == nil) {
			return merrors.New(merrors.InvalidPolicy, id, "load_balancing requires exactly one of name or custom")
		}
		if lb.Name != "" && !validLBPolicies[SimpleLBPolicy(strings.ToUpper(string(lb.Name)))] {
			return merrors.Newf(merrors.InvalidPolicy, id, "unknown load_balancing name %q", lb.Name)
		}
	}

	if cb := p.CircuitBreaker; cb != nil {
		if (cb.SimpleCB == nil) == (cb.Custom == nil) {
			return merrors.New(merrors.InvalidPolicy, id, "circuit_breaker requires exactly one of simple_cb or custom")
		}
		if s := cb.SimpleCB; s != nil {
			if s.MaxConnections < 0 || s.HTTPMaxPendingRequests < 0 || s.HTTPMaxRequests < 0 ||
				s.SleepWindow < 0 || s.HTTPConsecutiveErrors < 0 || s.HTTPDetectionInterval < 0 ||
				s.HTTPMaxRequestsPerConnection < 0 {
				return merrors.New(merrors.InvalidPolicy, id, "circuit_breaker.simple_cb values must not be negative")
			}
			if s.HTTPMaxEjectionPercent < 0 || s.HTTPMaxEjectionPercent > 100 {
				return merrors.Newf(merrors.InvalidPolicy, id, "http_max_ejection_percent %d out of range 0-100", s.HTTPMaxEjectionPercent)
			}
		}
	}
	return nil
}

// ParseSubnet parses a CIDR block or a bare address. A bare IPv4 address is
// treated as /32 and a bare IPv6 address as /128.
func ParseSubnet(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("not an address or CIDR: %w", err)
	}
	return netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()), nil
}
