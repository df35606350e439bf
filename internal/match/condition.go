package match

import (
	"net/netip"
	"slices"
	"strings"

	"github.com/wudi/meshroute/internal/config"
	merrors "github.com/wudi/meshroute/internal/errors"
	"github.com/wudi/meshroute/internal/request"
)

// Condition is a compiled config.MatchCondition. The zero value of each
// dimension means no constraint.
type Condition struct {
	source     string
	sourceTags config.Tags
	tcp        *l4Matcher
	udp        *l4Matcher
	headers    []headerMatcher
}

type headerMatcher struct {
	name    string
	matcher StringMatcher
}

type l4Matcher struct {
	sources []netip.Prefix
	dests   []netip.Prefix
}

// Condition compiles cond. It returns nil for a nil condition. Compile errors
// are reported against entry but never prevent compilation: a header whose
// pattern failed compiles to a matcher that rejects every request.
func (c *Compiler) Condition(entry string, cond *config.MatchCondition) (*Condition, []error) {
	if cond == nil {
		return nil, nil
	}

	var errs []error
	cc := &Condition{
		source:     cond.Source,
		sourceTags: cond.SourceTags,
	}

	// sorted so evaluation order is stable across snapshots
	names := make([]string, 0, len(cond.HTTPHeaders))
	for name := range cond.HTTPHeaders {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		m, err := c.String(cond.HTTPHeaders[name])
		if err != nil {
			if ce, ok := merrors.IsConfigError(err); ok {
				err = ce.WithEntry(entry).WithDetails("http_headers[" + name + "]")
			}
			errs = append(errs, err)
		}
		cc.headers = append(cc.headers, headerMatcher{name: strings.ToLower(name), matcher: m})
	}

	var err error
	if cc.tcp, err = compileL4(cond.TCP); err != nil {
		errs = append(errs, merrors.Wrap(err, merrors.InvalidPolicy, entry, "match.tcp"))
	}
	if cc.udp, err = compileL4(cond.UDP); err != nil {
		errs = append(errs, merrors.Wrap(err, merrors.InvalidPolicy, entry, "match.udp"))
	}

	return cc, errs
}

// Headers compiles a header matcher map, as used by HTTP fault injection.
func (c *Compiler) Headers(entry string, headers map[string]config.StringMatch) (*Condition, []error) {
	if len(headers) == 0 {
		return nil, nil
	}
	return c.Condition(entry, &config.MatchCondition{HTTPHeaders: headers})
}

func compileL4(attrs *config.L4MatchAttributes) (*l4Matcher, error) {
	if attrs == nil {
		return nil, nil
	}
	m := &l4Matcher{}
	for _, s := range attrs.SourceSubnet {
		p, err := config.ParseSubnet(s)
		if err != nil {
			return nil, err
		}
		m.sources = append(m.sources, p)
	}
	for _, s := range attrs.DestinationSubnet {
		p, err := config.ParseSubnet(s)
		if err != nil {
			return nil, err
		}
		m.dests = append(m.dests, p)
	}
	return m, nil
}

// Applies reports whether a condition is meaningful for the protocol at all.
// A nil condition, or one without L4 sections, applies to HTTP only. TCP and
// UDP traffic needs the corresponding section. A condition carrying L4
// sections applies to HTTP only when it also constrains headers.
func (cc *Condition) Applies(p config.Protocol) bool {
	switch p {
	case config.ProtocolTCP:
		return cc != nil && cc.tcp != nil
	case config.ProtocolUDP:
		return cc != nil && cc.udp != nil
	default:
		if cc == nil {
			return true
		}
		return len(cc.headers) > 0 || (cc.tcp == nil && cc.udp == nil)
	}
}

// Evaluate reports whether the request satisfies every specified dimension of
// the condition. A nil condition matches any HTTP request and nothing else.
func (cc *Condition) Evaluate(ctx *request.Context) bool {
	proto := ctx.Protocol
	if ctx.IsHTTP() {
		proto = config.ProtocolHTTP
	}
	if !cc.Applies(proto) {
		return false
	}
	if cc == nil {
		return true
	}

	if cc.source != "" && cc.source != ctx.SourceIdentity {
		return false
	}
	for k, v := range cc.sourceTags {
		got, ok := ctx.SourceTags[k]
		if !ok || got != v {
			return false
		}
	}

	switch proto {
	case config.ProtocolTCP:
		return cc.tcp.matches(ctx.SourceAddr, ctx.DestAddr)
	case config.ProtocolUDP:
		return cc.udp.matches(ctx.SourceAddr, ctx.DestAddr)
	}
	return cc.matchHeaders(ctx)
}

func (cc *Condition) matchHeaders(ctx *request.Context) bool {
	for _, hm := range cc.headers {
		val, ok := ctx.Header(hm.name)
		if !ok || !hm.matcher.Matches(val) {
			return false
		}
	}
	return true
}

// MatchHeaders evaluates only the header dimension. A nil condition matches.
func (cc *Condition) MatchHeaders(ctx *request.Context) bool {
	if cc == nil {
		return true
	}
	return cc.matchHeaders(ctx)
}

func (m *l4Matcher) matches(src, dst netip.Addr) bool {
	if m == nil {
		return true
	}
	return containsAny(m.sources, src) && containsAny(m.dests, dst)
}

// containsAny reports whether addr is inside any prefix. An empty list does not constrain.
func containsAny(prefixes []netip.Prefix, addr netip.Addr) bool {
	if len(prefixes) == 0 {
		return true
	}
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Evaluate compiles cond without caching and evaluates it against ctx.
// Regex failures fail closed.
func Evaluate(cond *config.MatchCondition, ctx *request.Context) bool {
	size := 1
	if cond != nil {
		size += len(cond.HTTPHeaders)
	}
	cc, errs := NewCompiler(size).Condition("", cond)
	for _, err := range errs {
		if merrors.KindOf(err) != merrors.RegexCompileError {
			return false
		}
	}
	return cc.Evaluate(ctx)
}
