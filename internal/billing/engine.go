package billing

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"go.uber.org/zap"
)

// Loader supplies the ordered rule list for a service. Production uses the
// file loader; tests inject a stub.
type Loader interface {
	Load(ctx context.Context, serviceID string) ([]Rule, error)
}

// Engine computes request costs. It caches one compiled matcher + strategy
// set per service, built lazily on first use and dropped by ClearCache on
// rule hot-reload. It performs no ledger I/O: the same engine serves dry-run
// pricing without touching channel state.
type Engine struct {
	loader Loader
	log    *zap.Logger

	mu       sync.Mutex
	services map[string]*serviceEngine
}

type serviceEngine struct {
	rules      []Rule
	matcher    *Matcher
	strategies map[string]Strategy // keyed by rule ID
}

func NewEngine(loader Loader, log *zap.Logger) *Engine {
	return &Engine{
		loader:   loader,
		log:      log,
		services: make(map[string]*serviceEngine),
	}
}

// CalcCost matches ctx against the service's rules and evaluates the selected
// strategy. Returns nil cost when no rule applies (caller decides whether
// unmatched requests are free or rejected).
func (e *Engine) CalcCost(ctx context.Context, bc *Context) (*big.Int, error) {
	se, err := e.serviceEngine(ctx, bc.ServiceID)
	if err != nil {
		return nil, err
	}

	rule, err := se.matcher.FindRule(bc, se.rules)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, nil
	}

	strat, ok := se.strategies[rule.ID]
	if !ok {
		// Strategies are prebuilt at load; a miss means the rule list and
		// strategy cache diverged, which ClearCache should make impossible.
		return nil, fmt.Errorf("no strategy for rule %q", rule.ID)
	}
	return strat.Evaluate(bc)
}

// ClearCache drops the cached engine for one service, or every service when
// serviceID is empty. Rules are re-loaded on next use.
func (e *Engine) ClearCache(serviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if serviceID == "" {
		e.services = make(map[string]*serviceEngine)
		return
	}
	delete(e.services, serviceID)
}

func (e *Engine) serviceEngine(ctx context.Context, serviceID string) (*serviceEngine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if se, ok := e.services[serviceID]; ok {
		return se, nil
	}

	rules, err := e.loader.Load(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("load rules for %q: %w", serviceID, err)
	}

	matcher := NewMatcher()
	if err := matcher.Validate(rules); err != nil {
		return nil, err
	}

	strategies := make(map[string]Strategy, len(rules))
	for i := range rules {
		strat, err := BuildStrategy(&rules[i])
		if err != nil {
			return nil, err
		}
		strategies[rules[i].ID] = strat
	}

	se := &serviceEngine{rules: rules, matcher: matcher, strategies: strategies}
	e.services[serviceID] = se
	e.log.Info("billing rules loaded",
		zap.String("service", serviceID),
		zap.Int("rules", len(rules)),
	)
	return se, nil
}
