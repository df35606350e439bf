// Package request defines the attributes the network layer extracts for every
// request or connection before asking the engine for a decision.
package request

import (
	"math"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/wudi/meshroute/internal/config"
)

// Context is the runtime input of a single decision. It is read-only once
// handed to the engine.
type Context struct {
	Protocol       config.Protocol
	Destination    string
	SourceIdentity string
	SourceTags     config.Tags
	SourceAddr     netip.Addr
	DestAddr       netip.Addr

	// HTTP only
	Method    string
	Authority string
	URI       string
	Scheme    string
	Headers   http.Header
}

// Header looks a header up case-insensitively. The pseudo headers authority,
// uri (or path), method and scheme, with or without a leading colon, resolve to
// the typed fields when the request carries no explicit header of that name.
func (c *Context) Header(name string) (string, bool) {
	if c.Headers != nil {
		if vals, ok := c.Headers[http.CanonicalHeaderKey(name)]; ok && len(vals) > 0 {
			return vals[0], true
		}
		// keys set directly on the map bypass canonicalisation
		for k, vals := range c.Headers {
			if len(vals) > 0 && strings.EqualFold(k, name) {
				return vals[0], true
			}
		}
	}

	switch strings.ToLower(strings.TrimPrefix(name, ":")) {
	case "authority", "host":
		return c.Authority, c.Authority != ""
	case "uri", "path":
		return c.URI, c.URI != ""
	case "method":
		return c.Method, c.Method != ""
	case "scheme":
		return c.Scheme, c.Scheme != ""
	}
	return "", false
}

// HeaderInt parses a header as a decimal integer. An empty name, a missing
// header or a malformed value reports false.
func (c *Context) HeaderInt(name string) (int, bool) {
	if c == nil || name == "" {
		return 0, false
	}
	v, ok := c.Header(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// HeaderMillis parses a header as a non-negative number of milliseconds.
// Values that are negative or do not fit a time.Duration report false.
func (c *Context) HeaderMillis(name string) (time.Duration, bool) {
	ms, ok := c.HeaderInt(name)
	if !ok || ms < 0 || int64(ms) > math.MaxInt64/int64(time.Millisecond) {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// IsHTTP reports whether the request is HTTP traffic. An unset protocol is treated as HTTP.
func (c *Context) IsHTTP() bool {
	return c.Protocol == config.ProtocolHTTP || c.Protocol == ""
}

// NewHTTP builds a context from an inbound *http.Request. Source identity and
// tags come from the caller since they are established by the mesh, not the request.
func NewHTTP(r *http.Request, destination string) *Context {
	ctx := &Context{
		Protocol:    config.ProtocolHTTP,
		Destination: destination,
		Method:      r.Method,
		Authority:   r.Host,
		URI:         r.URL.RequestURI(),
		Headers:     r.Header,
		Scheme:      "http",
	}
	if r.TLS != nil {
		ctx.Scheme = "https"
	}
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		ctx.SourceAddr = ap.Addr().Unmap()
	}
	return ctx
}
