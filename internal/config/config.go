package config

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Protocol is the transport a request or connection arrives on.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
)

// Config is one configuration document as delivered by the config-sync collaborator.
type Config struct {
	Logging              LoggingConfig       `yaml:"logging"`
	Admin                AdminConfig         `yaml:"admin"`
	BreakerSweepInterval time.Duration       `yaml:"breaker_sweep_interval"`
	RouteRules           []RouteRule         `yaml:"route_rules"`
	DestinationPolicies  []DestinationPolicy `yaml:"destination_policies"`

	// Hash is the xxhash of the raw document and identifies the snapshot version.
	Hash uint64 `yaml:"-"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`  // debug, info, warn, error
	Format   string            `yaml:"format"` // json, console
	Output   string            `yaml:"output"` // stderr, stdout or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames
}

// AdminConfig defines the admin HTTP endpoint of the binary.
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// DefaultConfig returns a configuration with defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    9901,
		},
		BreakerSweepInterval: 30 * time.Second,
	}
}

// Tags identify a version of a destination. Key order is irrelevant.
type Tags map[string]string

// String renders tags canonically as sorted k=v pairs joined by commas.
// Empty tags render as the empty string, which names the default version.
// Validation keeps ',' '=' and '|' out of tags, so the rendering is unambiguous.
func (t Tags) String() string {
	if len(t) == 0 {
		return ""
	}
	keys := slices.Sorted(maps.Keys(t))
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(t[k])
	}
	return b.String()
}

// Equal reports whether both tag sets hold the same pairs.
func (t Tags) Equal(o Tags) bool {
	return maps.Equal(t, o)
}

// RouteRule selects a weighted set of destination versions for matching traffic.
type RouteRule struct {
	Name           string              `yaml:"name"`
	Destination    string              `yaml:"destination"`
	Precedence     int                 `yaml:"precedence"`
	Match          *MatchCondition     `yaml:"match"`
	Route          []DestinationWeight `yaml:"route"`
	HTTPReqTimeout *HTTPTimeout        `yaml:"http_req_timeout"`
	HTTPReqRetries *HTTPRetry          `yaml:"http_req_retries"`
	HTTPFault      *HTTPFaultInjection `yaml:"http_fault"`
	L4Fault        *L4FaultInjection   `yaml:"l4_fault"`
}

// MatchCondition restricts a rule to a subset of traffic. Unset fields do not constrain.
type MatchCondition struct {
	Source      string                 `yaml:"source"`
	SourceTags  Tags                   `yaml:"source_tags"`
	TCP         *L4MatchAttributes     `yaml:"tcp"`
	UDP         *L4MatchAttributes     `yaml:"udp"`
	HTTPHeaders map[string]StringMatch `yaml:"http_headers"`
}

// L4MatchAttributes constrain source and destination addresses.
// Entries are CIDR blocks or bare addresses.
type L4MatchAttributes struct {
	SourceSubnet      []string `yaml:"source_subnet"`
	DestinationSubnet []string `yaml:"destination_subnet"`
}

// StringMatch is a tagged variant; exactly one field is set.
type StringMatch struct {
	Exact  string `yaml:"exact,omitempty" json:"exact,omitempty"`
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Regex  string `yaml:"regex,omitempty" json:"regex,omitempty"`
}

// MatchKind names the populated StringMatch variant.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchExact
	MatchPrefix
	MatchRegex
	MatchAmbiguous
)

// Kind returns which variant is set, MatchNone for none and MatchAmbiguous for several.
func (s StringMatch) Kind() MatchKind {
	kind := MatchNone
	set := 0
	if s.Exact != "" {
		kind = MatchExact
		set++
	}
	if s.Prefix != "" {
		kind = MatchPrefix
		set++
	}
	if s.Regex != "" {
		kind = MatchRegex
		set++
	}
	if set > 1 {
		return MatchAmbiguous
	}
	return kind
}

// Exact, Prefix and Regex build single-variant matches.
func Exact(v string) StringMatch  { return StringMatch{Exact: v} }
func Prefix(v string) StringMatch { return StringMatch{Prefix: v} }
func Regex(v string) StringMatch  { return StringMatch{Regex: v} }

// DestinationWeight is one weighted target of a route rule.
// An empty Destination inherits the rule's destination.
type DestinationWeight struct {
	Destination string `yaml:"destination"`
	Tags        Tags   `yaml:"tags"`
	Weight      int    `yaml:"weight"`
}

// HTTPTimeout is a oneof of a simple timeout policy and an opaque custom policy.
type HTTPTimeout struct {
	SimpleTimeout *SimpleTimeoutPolicy `yaml:"simple_timeout"`
	Custom        any                  `yaml:"custom"`
}

// SimpleTimeoutPolicy sets the request timeout handed to the network layer.
type SimpleTimeoutPolicy struct {
	Timeout            time.Duration `yaml:"timeout"`
	OverrideHeaderName string        `yaml:"override_header_name"`
}

// HTTPRetry is a oneof of a simple retry policy and an opaque custom policy.
type HTTPRetry struct {
	SimpleRetry *SimpleRetryPolicy `yaml:"simple_retry"`
	Custom      any                `yaml:"custom"`
}

// SimpleRetryPolicy sets retry attempts handed to the network layer.
type SimpleRetryPolicy struct {
	Attempts           int           `yaml:"attempts"`
	PerTryTimeout      time.Duration `yaml:"per_try_timeout"`
	OverrideHeaderName string        `yaml:"override_header_name"`
}

// HTTPFaultInjection describes synthetic delay and abort for HTTP traffic.
// When Headers is set the fault only applies to requests matching all of them.
type HTTPFaultInjection struct {
	Delay   *FaultDelay            `yaml:"delay"`
	Abort   *FaultAbort            `yaml:"abort"`
	Headers map[string]StringMatch `yaml:"headers"`
}

// FaultDelay injects a fixed delay into Percent of requests.
type FaultDelay struct {
	Percent            float64       `yaml:"percent"`
	FixedDelay         time.Duration `yaml:"fixed_delay"`
	ExponentialDelay   time.Duration `yaml:"exponential_delay"` // unsupported
	OverrideHeaderName string        `yaml:"override_header_name"`
}

// FaultAbort aborts Percent of requests with an HTTP status.
type FaultAbort struct {
	Percent            float64 `yaml:"percent"`
	HTTPStatus         int     `yaml:"http_status"`
	GRPCStatus         string  `yaml:"grpc_status"` // unsupported
	HTTP2Error         string  `yaml:"http2_error"` // unsupported
	OverrideHeaderName string  `yaml:"override_header_name"`
}

// L4FaultInjection describes synthetic throttling and termination of connections.
type L4FaultInjection struct {
	Throttle  *FaultThrottle  `yaml:"throttle"`
	Terminate *FaultTerminate `yaml:"terminate"`
}

// FaultThrottle limits bandwidth of Percent of connections.
type FaultThrottle struct {
	Percent             float64       `yaml:"percent"`
	DownstreamLimitBps  int64         `yaml:"downstream_limit_bps"`
	UpstreamLimitBps    int64         `yaml:"upstream_limit_bps"`
	ThrottleAfterPeriod time.Duration `yaml:"throttle_after_period"`
	ThrottleAfterBytes  int64         `yaml:"throttle_after_bytes"`
	ThrottleForPeriod   time.Duration `yaml:"throttle_for_period"`
}

// FaultTerminate closes Percent of connections after a period.
type FaultTerminate struct {
	Percent              float64       `yaml:"percent"`
	TerminateAfterPeriod time.Duration `yaml:"terminate_after_period"`
}

// SimpleLBPolicy names a built-in load balancing algorithm.
type SimpleLBPolicy string

const (
	LBRoundRobin SimpleLBPolicy = "ROUND_ROBIN"
	LBLeastConn  SimpleLBPolicy = "LEAST_CONN"
	LBRandom     SimpleLBPolicy = "RANDOM"
)

// DestinationPolicy applies load balancing or circuit breaking to one destination version.
type DestinationPolicy struct {
	Name           string          `yaml:"name"`
	Destination    string          `yaml:"destination"`
	Tags           Tags            `yaml:"tags"`
	LoadBalancing  *LoadBalancing  `yaml:"load_balancing"`
	CircuitBreaker *CircuitBreaker `yaml:"circuit_breaker"`
	Custom         any             `yaml:"custom"`
}

// LoadBalancing is a oneof of a named algorithm and an opaque custom policy.
type LoadBalancing struct {
	Name   SimpleLBPolicy `yaml:"name"`
	Custom any            `yaml:"custom"`
}

// CircuitBreaker is a oneof of a simple breaker and an opaque custom policy.
type CircuitBreaker struct {
	SimpleCB *SimpleCircuitBreakerPolicy `yaml:"simple_cb"`
	Custom   any                         `yaml:"custom"`
}

// SimpleCircuitBreakerPolicy holds connection pool limits and ejection settings.
// Zero values mean "no limit" for the limit fields.
type SimpleCircuitBreakerPolicy struct {
	MaxConnections               int           `yaml:"max_connections" json:"max_connections,omitempty"`
	HTTPMaxPendingRequests       int           `yaml:"http_max_pending_requests" json:"http_max_pending_requests,omitempty"`
	HTTPMaxRequests              int           `yaml:"http_max_requests" json:"http_max_requests,omitempty"`
	SleepWindow                  time.Duration `yaml:"sleep_window" json:"sleep_window,omitempty"`
	HTTPConsecutiveErrors        int           `yaml:"http_consecutive_errors" json:"http_consecutive_errors,omitempty"`
	HTTPDetectionInterval        time.Duration `yaml:"http_detection_interval" json:"http_detection_interval,omitempty"`
	HTTPMaxRequestsPerConnection int           `yaml:"http_max_requests_per_connection" json:"http_max_requests_per_connection,omitempty"`
	HTTPMaxEjectionPercent       int           `yaml:"http_max_ejection_percent" json:"http_max_ejection_percent,omitempty"`
}

// RuleID returns the identity of the rule at index i: its name, or destination#i.
func (r RouteRule) RuleID(i int) string {
	if r.Name != "" {
		return r.Name
	}
	return r.Destination + "#" + strconv.Itoa(i)
}

// PolicyID returns the identity of the policy at index i: its name, or destination{tags}#i.
func (p DestinationPolicy) PolicyID(i int) string {
	if p.Name != "" {
		return p.Name
	}
	return p.Destination + "{" + p.Tags.String() + "}#" + strconv.Itoa(i)
}
