// Package policy resolves the destination policy that applies to a selected
// destination version.
package policy

import (
	"strings"

	"github.com/wudi/meshroute/internal/config"
	merrors "github.com/wudi/meshroute/internal/errors"
)

// Resolved is the effective policy for one destination version. The zero
// value is never returned; defaults are round-robin without a breaker.
type Resolved struct {
	PolicyName     string                             `json:"policy,omitempty"`
	LoadBalancing  config.SimpleLBPolicy              `json:"load_balancing,omitempty"`
	CustomLB       any                                `json:"custom_load_balancing,omitempty"`
	CircuitBreaker *config.SimpleCircuitBreakerPolicy `json:"circuit_breaker,omitempty"`
	CustomCB       any                                `json:"custom_circuit_breaker,omitempty"`
	Custom         any                                `json:"custom,omitempty"`
}

// Default returns the policy used when no entry matches.
func Default() Resolved {
	return Resolved{LoadBalancing: config.LBRoundRobin}
}

// HasBreaker reports whether a simple circuit breaker is configured.
func (r Resolved) HasBreaker() bool {
	return r.CircuitBreaker != nil
}

func fromPolicy(p config.DestinationPolicy) Resolved {
	res := Default()
	res.PolicyName = p.Name
	res.Custom = p.Custom
	if lb := p.LoadBalancing; lb != nil {
		if lb.Custom != nil {
			res.LoadBalancing = ""
			res.CustomLB = lb.Custom
		} else if lb.Name != "" {
			res.LoadBalancing = config.SimpleLBPolicy(strings.ToUpper(string(lb.Name)))
		}
	}
	if cb := p.CircuitBreaker; cb != nil {
		if cb.SimpleCB != nil {
			simple := *cb.SimpleCB
			res.CircuitBreaker = &simple
		} else {
			res.CustomCB = cb.Custom
		}
	}
	return res
}

// Resolve finds the policy whose destination and tags equal the target
// exactly. No match yields Default. More than one match is a
// ConflictingPolicy error and also yields Default.
func Resolve(destination string, tags config.Tags, policies []config.DestinationPolicy) (Resolved, error) {
	found := -1
	var names []string
	for i, p := range policies {
		if p.Destination != destination || !p.Tags.Equal(tags) {
			continue
		}
		names = append(names, p.PolicyID(i))
		if found < 0 {
			found = i
		}
	}

	switch {
	case found < 0:
		return Default(), nil
	case len(names) > 1:
		return Default(), merrors.New(merrors.ConflictingPolicy, config.PolicyKey(destination, tags),
			"multiple destination policies for the same version").
			WithDetails(strings.Join(names, ", "))
	default:
		return fromPolicy(policies[found]), nil
	}
}

// Index is a prebuilt lookup of conflict-free policies. It is immutable and
// safe for concurrent use.
type Index struct {
	byKey map[string]Resolved
}

// NewIndex builds an Index. Conflicting entries are all excluded and
// reported, so their version resolves to Default. Policies accepted by
// config.Validate are already conflict-free; the check serves callers that
// build an Index from unvalidated entries.
func NewIndex(policies []config.DestinationPolicy) (*Index, []error) {
	idx := &Index{byKey: make(map[string]Resolved, len(policies))}

	groups := make(map[string][]int)
	var order []string
	for i, p := range policies {
		key := config.PolicyKey(p.Destination, p.Tags)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	var errs []error
	for _, key := range order {
		members := groups[key]
		if len(members) > 1 {
			names := make([]string, 0, len(members))
			for _, i := range members {
				names = append(names, policies[i].PolicyID(i))
			}
			errs = append(errs, merrors.New(merrors.ConflictingPolicy, key,
				"multiple destination policies for the same version").
				WithDetails(strings.Join(names, ", ")))
			continue
		}
		idx.byKey[key] = fromPolicy(policies[members[0]])
	}
	return idx, errs
}

// Lookup returns the policy for a destination version, or Default.
func (idx *Index) Lookup(destination string, tags config.Tags) Resolved {
	if res, ok := idx.byKey[config.PolicyKey(destination, tags)]; ok {
		return res
	}
	return Default()
}

// Breakers returns the circuit breaker settings keyed by destination and
// canonical version string.
func (idx *Index) Breakers() map[BreakerKey]config.SimpleCircuitBreakerPolicy {
	out := make(map[BreakerKey]config.SimpleCircuitBreakerPolicy)
	for key, res := range idx.byKey {
		if res.CircuitBreaker == nil {
			continue
		}
		dest, version, _ := strings.Cut(key, "|")
		out[BreakerKey{Destination: dest, Version: version}] = *res.CircuitBreaker
	}
	return out
}

// Len returns the number of indexed policies.
func (idx *Index) Len() int {
	return len(idx.byKey)
}

// BreakerKey identifies a destination version that has a circuit breaker.
type BreakerKey struct {
	Destination string
	Version     string
}
