package billing

import (
	"fmt"
	"math/big"
)

// Strategy types understood by BuildStrategy.
const (
	StrategyPerRequest = "per_request"
	StrategyPerToken   = "per_token"
)

// StrategyConfig is the declarative pricing half of a rule. Prices are
// decimal strings in pico-USD so uint256-scale values survive YAML intact.
type StrategyConfig struct {
	Type string `mapstructure:"type"`

	// PerRequest: flat price per request.
	PricePicoUSD string `mapstructure:"price_picousd"`

	// PerToken: price per Unit tokens (Unit defaults to 1; 1000 prices
	// per-kilotoken). Rounding is half-up to the integer pico-USD.
	PricePerToken string `mapstructure:"price_per_token"`
	Unit          int64  `mapstructure:"unit"`
}

// Strategy is a pure cost function. Stateless; safe for concurrent use.
type Strategy interface {
	Evaluate(ctx *Context) (*big.Int, error)
}

// BuildStrategy constructs the strategy for a rule. Unknown types and
// unparsable prices are configuration errors raised at build time so
// misconfiguration surfaces during load, not mid-request.
func BuildStrategy(rule *Rule) (Strategy, error) {
	switch rule.Strategy.Type {
	case StrategyPerRequest:
		price, err := parsePrice(rule.Strategy.PricePicoUSD)
		if err != nil {
			return nil, &ConfigError{RuleID: rule.ID, Reason: fmt.Sprintf("price_picousd: %v", err)}
		}
		return &perRequest{price: price}, nil

	case StrategyPerToken:
		price, err := parsePrice(rule.Strategy.PricePerToken)
		if err != nil {
			return nil, &ConfigError{RuleID: rule.ID, Reason: fmt.Sprintf("price_per_token: %v", err)}
		}
		unit := rule.Strategy.Unit
		if unit <= 0 {
			unit = 1
		}
		return &perToken{price: price, unit: big.NewInt(unit)}, nil

	default:
		return nil, &ConfigError{RuleID: rule.ID, Reason: fmt.Sprintf("unknown strategy type %q", rule.Strategy.Type)}
	}
}

func parsePrice(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing price")
	}
	price, ok := new(big.Int).SetString(s, 10)
	if !ok || price.Sign() < 0 {
		return nil, fmt.Errorf("invalid price %q", s)
	}
	return price, nil
}

// ── per_request ──────────────────────────────────────────────────────────────

type perRequest struct {
	price *big.Int
}

func (s *perRequest) Evaluate(_ *Context) (*big.Int, error) {
	return new(big.Int).Set(s.price), nil
}

// ── per_token ────────────────────────────────────────────────────────────────

// Usage metadata keys read by the per-token strategy.
const (
	MetaPromptTokens     = "prompt_tokens"
	MetaCompletionTokens = "completion_tokens"
	MetaTotalTokens      = "total_tokens"
)

type perToken struct {
	price *big.Int
	unit  *big.Int
}

func (s *perToken) Evaluate(ctx *Context) (*big.Int, error) {
	tokens := tokenCount(ctx.Meta)
	raw := new(big.Int).Mul(big.NewInt(tokens), s.price)
	if s.unit.Cmp(big.NewInt(1)) == 0 {
		return raw, nil
	}
	// Half-up: (raw + unit/2) / unit, so no fractional pico-USD is emitted.
	half := new(big.Int).Rsh(s.unit, 1)
	return raw.Add(raw, half).Div(raw, s.unit), nil
}

// tokenCount prefers total_tokens; otherwise sums prompt + completion.
func tokenCount(meta map[string]any) int64 {
	if n, ok := metaInt(meta, MetaTotalTokens); ok {
		return n
	}
	prompt, _ := metaInt(meta, MetaPromptTokens)
	completion, _ := metaInt(meta, MetaCompletionTokens)
	return prompt + completion
}

func metaInt(meta map[string]any, key string) (int64, bool) {
	if meta == nil {
		return 0, false
	}
	switch v := meta[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
