package match

import (
	"net/http"
	"net/netip"
	"testing"

	"github.com/wudi/meshroute/internal/config"
	"github.com/wudi/meshroute/internal/request"
)

func httpReq(authority string, headers map[string]string) *request.Context {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &request.Context{
		Protocol:  config.ProtocolHTTP,
		Authority: authority,
		Headers:   h,
	}
}

func l4Req(proto config.Protocol, src, dst string) *request.Context {
	ctx := &request.Context{Protocol: proto}
	if src != "" {
		ctx.SourceAddr = netip.MustParseAddr(src)
	}
	if dst != "" {
		ctx.DestAddr = netip.MustParseAddr(dst)
	}
	return ctx
}

func TestEvaluateAuthorityHeader(t *testing.T) {
	cond := &config.MatchCondition{
		HTTPHeaders: map[string]config.StringMatch{"authority": config.Exact("foo.com")},
	}

	if !Evaluate(cond, httpReq("foo.com", nil)) {
		t.Error("expected foo.com to match")
	}
	if Evaluate(cond, httpReq("bar.com", nil)) {
		t.Error("expected bar.com to be rejected")
	}
}

func TestEvaluateNilCondition(t *testing.T) {
	if !Evaluate(nil, httpReq("anything", nil)) {
		t.Error("absent match should accept any HTTP request")
	}
	if !Evaluate(nil, &request.Context{}) {
		t.Error("unset protocol is treated as HTTP")
	}
	if Evaluate(nil, l4Req(config.ProtocolTCP, "10.0.0.1", "10.0.0.2")) {
		t.Error("absent match should reject TCP")
	}
	if Evaluate(nil, l4Req(config.ProtocolUDP, "10.0.0.1", "10.0.0.2")) {
		t.Error("absent match should reject UDP")
	}
}

func TestEvaluateSource(t *testing.T) {
	cond := &config.MatchCondition{
		Source:     "productpage.default.svc.cluster.local",
		SourceTags: config.Tags{"version": "v1", "env": "prod"},
	}

	tests := []struct {
		name     string
		identity string
		tags     config.Tags
		want     bool
	}{
		{"all match", "productpage.default.svc.cluster.local", config.Tags{"version": "v1", "env": "prod", "extra": "x"}, true},
		{"wrong source", "details.default.svc.cluster.local", config.Tags{"version": "v1", "env": "prod"}, false},
		{"missing tag", "productpage.default.svc.cluster.local", config.Tags{"version": "v1"}, false},
		{"wrong tag value", "productpage.default.svc.cluster.local", config.Tags{"version": "v2", "env": "prod"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := httpReq("", nil)
			ctx.SourceIdentity = tt.identity
			ctx.SourceTags = tt.tags
			if got := Evaluate(cond, ctx); got != tt.want {
				t.Errorf("Evaluate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateHeadersConjunction(t *testing.T) {
	cond := &config.MatchCondition{
		HTTPHeaders: map[string]config.StringMatch{
			"Cookie":    config.Regex("^(.*?;)?(user=jason)(;.*)?$"),
			"x-api-key": config.Prefix("key-"),
		},
	}

	if !Evaluate(cond, httpReq("", map[string]string{"cookie": "user=jason", "X-Api-Key": "key-123"})) {
		t.Error("expected both headers to match")
	}
	if Evaluate(cond, httpReq("", map[string]string{"cookie": "user=jason"})) {
		t.Error("missing header should fail")
	}
	if Evaluate(cond, httpReq("", map[string]string{"cookie": "user=alice", "X-Api-Key": "key-123"})) {
		t.Error("non-matching cookie should fail")
	}
}

func TestEvaluateL4Subnets(t *testing.T) {
	cond := &config.MatchCondition{
		TCP: &config.L4MatchAttributes{
			SourceSubnet:      []string{"10.0.0.0/8", "192.168.0.5"},
			DestinationSubnet: []string{"172.16.0.0/12"},
		},
	}

	tests := []struct {
		name     string
		proto    config.Protocol
		src, dst string
		want     bool
	}{
		{"inside both", config.ProtocolTCP, "10.1.2.3", "172.16.4.4", true},
		{"bare address", config.ProtocolTCP, "192.168.0.5", "172.16.4.4", true},
		{"bare address neighbour", config.ProtocolTCP, "192.168.0.6", "172.16.4.4", false},
		{"source outside", config.ProtocolTCP, "11.0.0.1", "172.16.4.4", false},
		{"dest outside", config.ProtocolTCP, "10.1.2.3", "8.8.8.8", false},
		{"missing source addr", config.ProtocolTCP, "", "172.16.4.4", false},
		{"udp ignores tcp section", config.ProtocolUDP, "10.1.2.3", "172.16.4.4", false},
		{"http ignores l4-only rule", config.ProtocolHTTP, "10.1.2.3", "172.16.4.4", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(cond, l4Req(tt.proto, tt.src, tt.dst)); got != tt.want {
				t.Errorf("Evaluate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateEmptySubnetsDoNotConstrain(t *testing.T) {
	cond := &config.MatchCondition{UDP: &config.L4MatchAttributes{}}
	if !Evaluate(cond, l4Req(config.ProtocolUDP, "1.2.3.4", "5.6.7.8")) {
		t.Error("empty udp section should match any UDP flow")
	}
	if Evaluate(cond, l4Req(config.ProtocolTCP, "1.2.3.4", "5.6.7.8")) {
		t.Error("udp section must not apply to TCP")
	}
}

func TestEvaluateIPv6(t *testing.T) {
	cond := &config.MatchCondition{
		TCP: &config.L4MatchAttributes{SourceSubnet: []string{"2001:db8::/32"}},
	}
	if !Evaluate(cond, l4Req(config.ProtocolTCP, "2001:db8::42", "")) {
		t.Error("expected IPv6 address inside prefix to match")
	}
	if Evaluate(cond, l4Req(config.ProtocolTCP, "2001:db9::42", "")) {
		t.Error("expected IPv6 address outside prefix to be rejected")
	}
}

func TestConditionApplies(t *testing.T) {
	c := NewCompiler(4)
	mixed, _ := c.Condition("r", &config.MatchCondition{
		TCP:         &config.L4MatchAttributes{},
		HTTPHeaders: map[string]config.StringMatch{"x": config.Exact("y")},
	})
	sourceOnly, _ := c.Condition("r", &config.MatchCondition{Source: "a"})

	if !mixed.Applies(config.ProtocolHTTP) || !mixed.Applies(config.ProtocolTCP) || mixed.Applies(config.ProtocolUDP) {
		t.Error("mixed condition should apply to HTTP and TCP only")
	}
	if !sourceOnly.Applies(config.ProtocolHTTP) || sourceOnly.Applies(config.ProtocolTCP) {
		t.Error("source-only condition should apply to HTTP only")
	}
}

func TestConditionRegexErrorFailsClosed(t *testing.T) {
	c := NewCompiler(4)
	cc, errs := c.Condition("bad-rule", &config.MatchCondition{
		HTTPHeaders: map[string]config.StringMatch{"x-user": config.Regex("[")},
	})
	if len(errs) != 1 {
		t.Fatalf("expected one compile error, got %v", errs)
	}
	if cc == nil {
		t.Fatal("condition should still compile")
	}
	if cc.Evaluate(httpReq("", map[string]string{"x-user": "["})) {
		t.Error("condition with broken regex must not match")
	}
}

func TestMatchHeaders(t *testing.T) {
	c := NewCompiler(4)
	cc, _ := c.Headers("fault", map[string]config.StringMatch{"x-chaos": config.Exact("on")})
	if !cc.MatchHeaders(httpReq("", map[string]string{"X-Chaos": "on"})) {
		t.Error("expected header match")
	}
	if cc.MatchHeaders(httpReq("", nil)) {
		t.Error("expected header miss")
	}
	var none *Condition
	if !none.MatchHeaders(httpReq("", nil)) {
		t.Error("nil condition should match")
	}
}
