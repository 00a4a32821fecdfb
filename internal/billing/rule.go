package billing

import (
	"fmt"
	"regexp"
	"sync"
)

// Context is the ephemeral billing context for one request. Never persisted.
type Context struct {
	ServiceID string
	AssetID   string
	Meta      map[string]any
}

// Predicate is the closed "when" clause of a rule. Every set field must
// match (logical AND); zero-valued fields are wildcards.
type Predicate struct {
	Path      string            `mapstructure:"path"`
	PathRegex string            `mapstructure:"path_regex"`
	Method    string            `mapstructure:"method"`
	Model     string            `mapstructure:"model"`
	AssetID   string            `mapstructure:"asset_id"`
	Meta      map[string]string `mapstructure:"meta"`
}

// Rule maps a predicate to a pricing strategy. Default rules match
// unconditionally and should be ordered last.
type Rule struct {
	ID       string         `mapstructure:"id"`
	Default  bool           `mapstructure:"default"`
	When     *Predicate     `mapstructure:"when"`
	Strategy StrategyConfig `mapstructure:"strategy"`
}

// ConfigError reports a malformed rule (bad regex, unknown strategy type).
// It aborts rule-set loading; it is never produced mid-request.
type ConfigError struct {
	RuleID string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("billing rule %q: %s", e.RuleID, e.Reason)
}

// regexCacheCap bounds the compiled-pattern cache. Eviction is FIFO: order
// does not affect correctness, only recompilation cost.
const regexCacheCap = 100

type regexCache struct {
	mu       sync.Mutex
	capacity int
	patterns map[string]*regexp.Regexp
	order    []string
}

func newRegexCache(capacity int) *regexCache {
	return &regexCache{
		capacity: capacity,
		patterns: make(map[string]*regexp.Regexp),
	}
}

func (c *regexCache) get(pattern string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if re, ok := c.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.patterns, oldest)
	}
	c.patterns[pattern] = re
	c.order = append(c.order, pattern)
	return re, nil
}

func (c *regexCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.patterns)
}

// Matcher selects the first applicable rule from an ordered list.
type Matcher struct {
	regexes *regexCache
}

func NewMatcher() *Matcher {
	return &Matcher{regexes: newRegexCache(regexCacheCap)}
}

// FindRule returns the first rule whose predicate matches ctx, or the first
// default rule when no conditional rule matches, or nil when nothing applies.
func (m *Matcher) FindRule(ctx *Context, rules []Rule) (*Rule, error) {
	var fallback *Rule
	for i := range rules {
		r := &rules[i]
		if r.Default {
			if fallback == nil {
				fallback = r
			}
			continue
		}
		ok, err := m.matches(ctx, r)
		if err != nil {
			return nil, err
		}
		if ok {
			return r, nil
		}
	}
	return fallback, nil
}

// Validate compiles every regex in the rule set up front so bad patterns
// surface at load time, not mid-request.
func (m *Matcher) Validate(rules []Rule) error {
	for i := range rules {
		r := &rules[i]
		if r.When == nil || r.When.PathRegex == "" {
			continue
		}
		if _, err := m.regexes.get(r.When.PathRegex); err != nil {
			return &ConfigError{
				RuleID: r.ID,
				Reason: fmt.Sprintf("invalid path_regex %q: %v", r.When.PathRegex, err),
			}
		}
	}
	return nil
}

func (m *Matcher) matches(ctx *Context, r *Rule) (bool, error) {
	p := r.When
	if p == nil {
		// Non-default rule with no predicate never matches; only default
		// rules match unconditionally.
		return false, nil
	}
	if p.Path != "" && metaString(ctx.Meta, "path") != p.Path {
		return false, nil
	}
	if p.Method != "" && metaString(ctx.Meta, "method") != p.Method {
		return false, nil
	}
	if p.Model != "" && metaString(ctx.Meta, "model") != p.Model {
		return false, nil
	}
	if p.AssetID != "" && ctx.AssetID != p.AssetID {
		return false, nil
	}
	for k, want := range p.Meta {
		if metaString(ctx.Meta, k) != want {
			return false, nil
		}
	}
	if p.PathRegex != "" {
		re, err := m.regexes.get(p.PathRegex)
		if err != nil {
			return false, &ConfigError{
				RuleID: r.ID,
				Reason: fmt.Sprintf("invalid path_regex %q: %v", p.PathRegex, err),
			}
		}
		if !re.MatchString(metaString(ctx.Meta, "path")) {
			return false, nil
		}
	}
	return true, nil
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	switch v := meta[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}
