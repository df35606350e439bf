package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
logging:
  level: debug
admin:
  enabled: true
  port: 9901
breaker_sweep_interval: 10s

route_rules:
  - name: reviews-jason
    destination: reviews.default.svc.cluster.local
    precedence: 2
    match:
      source: productpage.default.svc.cluster.local
      source_tags:
        version: v1
      http_headers:
        cookie:
          regex: "^(.*?;)?(user=jason)(;.*)?$"
    route:
      - tags:
          version: v2
    http_req_timeout:
      simple_timeout:
        timeout: 5s
    http_fault:
      delay:
        percent: 100
        fixed_delay: 2s
      abort:
        percent: 10
        http_status: 503
  - destination: reviews.default.svc.cluster.local
    route:
      - tags: {version: v1}
        weight: 75
      - tags: {version: v3}
        weight: 25
    l4_fault:
      terminate:
        percent: 5
        terminate_after_period: 30s

destination_policies:
  - name: reviews-v1-cb
    destination: reviews.default.svc.cluster.local
    tags:
      version: v1
    circuit_breaker:
      simple_cb:
        max_connections: 100
        sleep_window: 15s
        http_consecutive_errors: 5
        http_max_ejection_percent: 50
`

func TestLoaderParse(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %q", cfg.Logging.Level)
	}
	if cfg.BreakerSweepInterval != 10*time.Second {
		t.Errorf("expected sweep interval 10s, got %v", cfg.BreakerSweepInterval)
	}
	if len(cfg.RouteRules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(cfg.RouteRules))
	}

	r := cfg.RouteRules[0]
	if r.Precedence != 2 {
		t.Errorf("expected precedence 2, got %d", r.Precedence)
	}
	if r.Match == nil || r.Match.SourceTags["version"] != "v1" {
		t.Fatalf("source tags not parsed: %+v", r.Match)
	}
	if r.Match.HTTPHeaders["cookie"].Kind() != MatchRegex {
		t.Errorf("expected regex cookie match")
	}
	if r.HTTPReqTimeout.SimpleTimeout.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", r.HTTPReqTimeout.SimpleTimeout.Timeout)
	}
	if r.HTTPFault.Delay.FixedDelay != 2*time.Second {
		t.Errorf("expected 2s fixed delay, got %v", r.HTTPFault.Delay.FixedDelay)
	}
	if r.HTTPFault.Abort.HTTPStatus != 503 {
		t.Errorf("expected abort 503, got %d", r.HTTPFault.Abort.HTTPStatus)
	}

	if got := cfg.RouteRules[1].Route[1].Weight; got != 25 {
		t.Errorf("expected weight 25, got %d", got)
	}
	if got := cfg.RouteRules[1].L4Fault.Terminate.TerminateAfterPeriod; got != 30*time.Second {
		t.Errorf("expected terminate after 30s, got %v", got)
	}

	cb := cfg.DestinationPolicies[0].CircuitBreaker.SimpleCB
	if cb.SleepWindow != 15*time.Second || cb.HTTPConsecutiveErrors != 5 {
		t.Errorf("unexpected simple_cb %+v", cb)
	}
	if cfg.Hash == 0 {
		t.Error("expected non-zero content hash")
	}
}

func TestLoaderDefaults(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte("route_rules: []\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default info level, got %q", cfg.Logging.Level)
	}
	if cfg.Admin.Port != 9901 {
		t.Errorf("expected default admin port 9901, got %d", cfg.Admin.Port)
	}
	if cfg.BreakerSweepInterval != 30*time.Second {
		t.Errorf("expected default sweep 30s, got %v", cfg.BreakerSweepInterval)
	}
}

func TestLoaderHashTracksContent(t *testing.T) {
	l := NewLoader()
	a, _ := l.Parse([]byte(sampleConfig))
	b, _ := l.Parse([]byte(sampleConfig))
	c, _ := l.Parse([]byte(sampleConfig + "\n# changed\n"))

	if a.Hash != b.Hash {
		t.Error("identical documents should hash identically")
	}
	if a.Hash == c.Hash {
		t.Error("different documents should hash differently")
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	t.Setenv("MESHROUTE_TEST_DEST", "ratings.default.svc.cluster.local")

	doc := `
route_rules:
  - destination: ${MESHROUTE_TEST_DEST}
  - destination: ${MESHROUTE_TEST_UNSET}
`
	cfg, err := NewLoader().Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.RouteRules[0].Destination != "ratings.default.svc.cluster.local" {
		t.Errorf("env var not expanded: %q", cfg.RouteRules[0].Destination)
	}
	if cfg.RouteRules[1].Destination != "${MESHROUTE_TEST_UNSET}" {
		t.Errorf("unset env var should be kept verbatim, got %q", cfg.RouteRules[1].Destination)
	}
}

func TestLoaderErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad yaml", "route_rules: [\n"},
		{"negative sweep", "breaker_sweep_interval: -1s\n"},
		{"admin port", "admin:\n  enabled: true\n  port: 70000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLoader().Parse([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoaderLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.DestinationPolicies) != 1 {
		t.Errorf("expected 1 policy, got %d", len(cfg.DestinationPolicies))
	}

	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestShippedConfigIsValid(t *testing.T) {
	cfg, err := NewLoader().Load(filepath.Join("..", "..", "configs", "meshroute.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	v := Validate(cfg, nil)
	for _, err := range v.Errors {
		t.Errorf("unexpected validation error: %v", err)
	}
	if len(v.Rules) != 4 || len(v.Policies) != 2 {
		t.Errorf("accepted %d rules and %d policies, want 4 and 2", len(v.Rules), len(v.Policies))
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Output != "stderr" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestTagsString(t *testing.T) {
	tags := Tags{"version": "v2", "env": "prod"}
	if got := tags.String(); got != "env=prod,version=v2" {
		t.Errorf("Tags.String() = %q", got)
	}
	if Tags(nil).String() != "" {
		t.Error("empty tags should render empty")
	}
	if !tags.Equal(Tags{"env": "prod", "version": "v2"}) {
		t.Error("expected equal tags")
	}
}

func TestParseSubnet(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"10.0.0.0/8", "10.0.0.0/8", false},
		{"10.1.2.3/8", "10.0.0.0/8", false},
		{"192.168.1.10", "192.168.1.10/32", false},
		{"2001:db8::1", "2001:db8::1/128", false},
		{"2001:db8::/32", "2001:db8::/32", false},
		{"not-an-ip", "", true},
		{"10.0.0.0/40", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := ParseSubnet(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSubnet(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && p.String() != tt.want {
				t.Errorf("ParseSubnet(%q) = %s, want %s", tt.in, p, tt.want)
			}
		})
	}
}
