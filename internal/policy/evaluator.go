package policy

import (
	"context"
	"fmt"
	"time"

	"umagate.org/internal/obs"
	"umagate.org/internal/uma"
)

const DefaultTimeout = 2 * time.Second

// Repository resolves the ordered policy chain for a resource and scope.
type Repository interface {
	ListPoliciesFor(ctx context.Context, resourceID, scope string) ([]Policy, error)
	Lookup(name string) (Policy, bool)
}

// Evaluator runs policy chains with AND semantics.
type Evaluator struct {
	repo    Repository
	timeout time.Duration
}

func NewEvaluator(repo Repository, timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{repo: repo, timeout: timeout}
}

// Repository returns the policy source backing the evaluator.
func (e *Evaluator) Repository() Repository { return e.repo }

// Evaluate runs the chain for in.Resource and in.Scope in registration order.
// The first Deny wins, the first NeedInfo pauses the chain, an empty chain allows.
// The returned error is non-nil only for storage failures or caller cancellation.
func (e *Evaluator) Evaluate(ctx context.Context, in Context) (Decision, error) {
	if in.Resource == nil {
		return Deny("unknown resource"), nil
	}
	policies, err := e.repo.ListPoliciesFor(ctx, in.Resource.ID, in.Scope)
	if err != nil {
		return Decision{}, uma.Storage("list policies", err)
	}
	for _, p := range policies {
		d, err := e.run(ctx, p, in)
		if err != nil {
			return Decision{}, err
		}
		switch d.Effect {
		case EffectAllow:
			continue
		case EffectNeedInfo:
			d.Policy = p.Name()
			return d, nil
		case EffectDeny:
			return d, nil
		default:
			obs.Ctx(ctx).Error().Str("policy", p.Name()).Int("effect", int(d.Effect)).Msg("policy.invalid_decision")
			return Deny("policy returned no decision"), nil
		}
	}
	return Allow(), nil
}

type outcome struct {
	decision Decision
	err      error
}

func (e *Evaluator) run(ctx context.Context, p Policy, in Context) (Decision, error) {
	budget := e.timeout
	if b, ok := p.(Budgeted); ok && b.Timeout() > 0 {
		budget = b.Timeout()
	}
	pctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("policy panicked: %v", r)}
			}
		}()
		d, err := p.Evaluate(pctx, in)
		done <- outcome{decision: d, err: err}
	}()

	log := obs.Ctx(ctx)
	select {
	case res := <-done:
		if res.err == nil {
			return res.decision, nil
		}
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		log.Warn().Err(res.err).Str("policy", p.Name()).Msg("policy.failed")
		return Deny("policy evaluation failed"), nil
	case <-pctx.Done():
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		obs.PolicyTimeout(p.Name())
		log.Warn().Str("policy", p.Name()).Dur("budget", budget).Msg("policy.timeout")
		return Deny("policy timed out"), nil
	}
}
