// Package match evaluates route rule match conditions against request attributes.
package match

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/wudi/meshroute/internal/config"
	merrors "github.com/wudi/meshroute/internal/errors"
	"github.com/wudi/meshroute/internal/logging"
	"go.uber.org/zap"
)

// StringMatcher is a compiled config.StringMatch. A matcher whose regex failed
// to compile never matches.
type StringMatcher struct {
	kind    config.MatchKind
	value   string
	re      *regexp.Regexp
	invalid bool
}

// Matches reports whether value satisfies the matcher. Comparisons are case-sensitive.
func (m StringMatcher) Matches(value string) bool {
	if m.invalid {
		return false
	}
	switch m.kind {
	case config.MatchExact:
		return value == m.value
	case config.MatchPrefix:
		return strings.HasPrefix(value, m.value)
	case config.MatchRegex:
		return m.re.MatchString(value)
	default:
		return false
	}
}

// Invalid reports whether the matcher failed closed at compile time.
func (m StringMatcher) Invalid() bool {
	return m.invalid
}

// Matches compiles pattern and evaluates it against value without caching.
// A regex that fails to compile is logged and treated as a non-match.
func Matches(pattern config.StringMatch, value string) bool {
	m, err := compileString(pattern, compileRegex)
	if err != nil {
		logging.Warn("string match failed closed", zap.Error(err))
	}
	return m.Matches(value)
}

// compileRegex anchors the pattern so it must match the whole value.
func compileRegex(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + pattern + ")$")
}

func compileString(sm config.StringMatch, compile func(string) (*regexp.Regexp, error)) (StringMatcher, error) {
	switch kind := sm.Kind(); kind {
	case config.MatchExact:
		return StringMatcher{kind: kind, value: sm.Exact}, nil
	case config.MatchPrefix:
		return StringMatcher{kind: kind, value: sm.Prefix}, nil
	case config.MatchRegex:
		re, err := compile(sm.Regex)
		if err != nil {
			return StringMatcher{kind: kind, invalid: true},
				merrors.Wrap(err, merrors.RegexCompileError, "", "pattern "+sm.Regex)
		}
		return StringMatcher{kind: kind, value: sm.Regex, re: re}, nil
	default:
		return StringMatcher{kind: kind, invalid: true},
			merrors.New(merrors.InvalidPolicy, "", "string match must set exactly one of exact, prefix or regex")
	}
}

// DefaultRegexCacheSize bounds the number of distinct compiled patterns kept.
const DefaultRegexCacheSize = 1024

type regexResult struct {
	re  *regexp.Regexp
	err error
}

// Compiler turns configuration match conditions into evaluators. Compiled
// regexes, including failed ones, are cached by pattern so reloading an
// unchanged snapshot does not recompile them.
// Compile errors are returned to the caller, which owns reporting them.
type Compiler struct {
	regexes *lru.Cache[string, regexResult]
}

// NewCompiler creates a Compiler with a bounded regex cache.
func NewCompiler(cacheSize int) *Compiler {
	if cacheSize <= 0 {
		cacheSize = DefaultRegexCacheSize
	}
	cache, _ := lru.New[string, regexResult](cacheSize) // only errors on size <= 0
	return &Compiler{regexes: cache}
}

func (c *Compiler) regex(pattern string) (*regexp.Regexp, error) {
	if res, ok := c.regexes.Get(pattern); ok {
		return res.re, res.err
	}
	re, err := compileRegex(pattern)
	c.regexes.Add(pattern, regexResult{re: re, err: err})
	return re, err
}

// String compiles one StringMatch. On error the returned matcher is still
// usable and never matches.
func (c *Compiler) String(sm config.StringMatch) (StringMatcher, error) {
	return compileString(sm, c.regex)
}

// CachedPatterns returns the number of patterns in the regex cache.
func (c *Compiler) CachedPatterns() int {
	return c.regexes.Len()
}
