// Package router selects the route rule that applies to a request.
package router

import (
	"slices"
	"sort"

	"github.com/wudi/meshroute/internal/config"
	"github.com/wudi/meshroute/internal/loadbalancer"
	"github.com/wudi/meshroute/internal/match"
	"github.com/wudi/meshroute/internal/request"
)

// Route is a compiled route rule.
type Route struct {
	ID           string
	Rule         config.RouteRule
	Picker       *loadbalancer.WeightedPicker
	FaultHeaders *match.Condition

	condition *match.Condition
	configIdx int // declaration order for tie-breaking
}

// Matches reports whether the route's condition accepts ctx. A route
// without a condition accepts HTTP traffic only.
func (r *Route) Matches(ctx *request.Context) bool {
	return r.condition.Evaluate(ctx)
}

// Router indexes compiled routes by destination. A Router is immutable once
// built and safe for concurrent use.
type Router struct {
	byDestination map[string][]*Route
	count         int
}

// New compiles rules into a Router. Rules are assumed validated; a rule whose
// weights cannot form a picker is dropped and reported. Regex failures keep
// the rule, with the affected matcher failing closed.
func New(compiler *match.Compiler, rules []config.RouteRule) (*Router, []error) {
	r := &Router{byDestination: make(map[string][]*Route)}
	var errs []error

	for i, rule := range rules {
		id := rule.RuleID(i)

		weights := rule.Route
		if len(weights) == 0 {
			weights = []config.DestinationWeight{{Weight: 100}}
		}
		picker, err := loadbalancer.NewWeightedPicker(rule.Destination, weights)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		cond, condErrs := compiler.Condition(id, rule.Match)
		errs = append(errs, condErrs...)

		var faultHeaders *match.Condition
		if rule.HTTPFault != nil {
			var fhErrs []error
			faultHeaders, fhErrs = compiler.Headers(id, rule.HTTPFault.Headers)
			errs = append(errs, fhErrs...)
		}

		r.add(&Route{
			ID:           id,
			Rule:         rule,
			Picker:       picker,
			FaultHeaders: faultHeaders,
			condition:    cond,
			configIdx:    i,
		})
	}
	return r, errs
}

// add inserts a route and keeps its destination group sorted by precedence
// (descending), with declaration order as tie-breaker.
func (r *Router) add(route *Route) {
	dest := route.Rule.Destination
	group := append(r.byDestination[dest], route)
	sort.SliceStable(group, func(i, j int) bool {
		pi, pj := group[i].Rule.Precedence, group[j].Rule.Precedence
		if pi != pj {
			return pi > pj
		}
		return group[i].configIdx < group[j].configIdx
	})
	r.byDestination[dest] = group
	r.count++
}

// Select returns the highest precedence route for ctx.Destination whose
// condition matches. The result is deterministic for a given Router.
func (r *Router) Select(ctx *request.Context) (*Route, bool) {
	for _, route := range r.byDestination[ctx.Destination] {
		if route.Matches(ctx) {
			return route, true
		}
	}
	return nil, false
}

// Routes returns the routes of a destination in evaluation order.
func (r *Router) Routes(destination string) []*Route {
	return slices.Clone(r.byDestination[destination])
}

// Destinations returns the destinations with at least one route, sorted.
func (r *Router) Destinations() []string {
	out := make([]string, 0, len(r.byDestination))
	for d := range r.byDestination {
		out = append(out, d)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of compiled routes.
func (r *Router) Len() int {
	return r.count
}

// Select picks from rules directly, without an index. Among the rules for
// ctx.Destination whose match is satisfied, the highest precedence wins and
// the first declared wins a tie.
func Select(rules []config.RouteRule, ctx *request.Context) (config.RouteRule, bool) {
	best := -1
	for i, rule := range rules {
		if rule.Destination != ctx.Destination {
			continue
		}
		if best >= 0 && rule.Precedence <= rules[best].Precedence {
			continue
		}
		if match.Evaluate(rule.Match, ctx) {
			best = i
		}
	}
	if best < 0 {
		return config.RouteRule{}, false
	}
	return rules[best], true
}
