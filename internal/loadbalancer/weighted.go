package loadbalancer

import (
	"github.com/wudi/meshroute/internal/config"
	merrors "github.com/wudi/meshroute/internal/errors"
)

// Target is one resolved destination version.
type Target struct {
	Destination string      `json:"destination"`
	Tags        config.Tags `json:"tags,omitempty"`
}

// Version renders the target's tags canonically; empty names the default version.
func (t Target) Version() string {
	return t.Tags.String()
}

// WeightedPicker selects a target from a rule's weighted destination list.
// The cumulative distribution is built once; Pick is lock-free.
type WeightedPicker struct {
	targets     []Target
	cumulative  []int
	totalWeight int
}

// NewWeightedPicker builds a picker for the weights of a rule whose destination
// is parent. Entries without a destination inherit parent. A single entry with
// no weight receives the full 100.
func NewWeightedPicker(parent string, weights []config.DestinationWeight) (*WeightedPicker, error) {
	if len(weights) == 0 {
		return nil, merrors.New(merrors.InvalidPolicy, parent, "route has no destination weights")
	}

	wp := &WeightedPicker{
		targets:    make([]Target, 0, len(weights)),
		cumulative: make([]int, 0, len(weights)),
	}
	for _, w := range weights {
		weight := w.Weight
		if len(weights) == 1 && weight == 0 {
			weight = 100
		}
		if weight < 0 {
			return nil, merrors.Newf(merrors.InvalidPolicy, parent, "negative weight %d", weight)
		}
		dest := w.Destination
		if dest == "" {
			dest = parent
		}
		wp.totalWeight += weight
		wp.targets = append(wp.targets, Target{Destination: dest, Tags: w.Tags})
		wp.cumulative = append(wp.cumulative, wp.totalWeight)
	}

	if wp.totalWeight <= 0 {
		return nil, merrors.New(merrors.InvalidPolicy, parent, "route weights sum to 0")
	}
	return wp, nil
}

// Pick draws uniformly in [0, total) and returns the first target whose
// cumulative weight exceeds the draw. Weights validated to sum to 100 make
// this a draw in [0, 100).
func (wp *WeightedPicker) Pick(rng RandomSource) Target {
	if len(wp.targets) == 1 {
		return wp.targets[0]
	}
	roll := rng.IntN(wp.totalWeight)
	for i, c := range wp.cumulative {
		if roll < c {
			return wp.targets[i]
		}
	}
	return wp.targets[len(wp.targets)-1]
}

// Targets returns the targets in declaration order.
func (wp *WeightedPicker) Targets() []Target {
	out := make([]Target, len(wp.targets))
	copy(out, wp.targets)
	return out
}

// Pick selects one entry from weights using rng. An empty list or a list whose
// weights sum to zero is an InvalidPolicy error.
func Pick(weights []config.DestinationWeight, rng RandomSource) (config.DestinationWeight, error) {
	wp, err := NewWeightedPicker("", weights)
	if err != nil {
		return config.DestinationWeight{}, err
	}
	if len(weights) == 1 {
		return weights[0], nil
	}
	roll := rng.IntN(wp.totalWeight)
	for i, c := range wp.cumulative {
		if roll < c {
			return weights[i], nil
		}
	}
	return weights[len(weights)-1], nil
}
