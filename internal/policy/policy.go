package policy

import (
	"context"
	"slices"
	"time"

	"umagate.org/internal/uma"
)

// Context is everything a policy may inspect.
type Context struct {
	Resource *uma.Resource
	Scope    string
	ClientID string
	Ticket   string
	Claims   map[string]any
}

// Subject returns the requesting party's subject claim, if any.
func (c Context) Subject() string {
	if s, ok := c.Claims["sub"].(string); ok {
		return s
	}
	return ""
}

// Policy is a single authorization rule attached to a resource and scope.
type Policy interface {
	Name() string
	Evaluate(ctx context.Context, in Context) (Decision, error)
}

// Gatherer is implemented by policies that drive interactive claims collection.
// Steps are numbered from zero.
type Gatherer interface {
	StepsCount() int
	PageForStep(step int) string
	ClaimsForStep(step int) []ClaimDefinition
	// NextStep returns the first step whose claims are still missing, or -1.
	NextStep(claims map[string]any) int
}

// Budgeted policies carry their own evaluation timeout.
type Budgeted interface {
	Timeout() time.Duration
}

// StaticPolicy allows a request when every configured list matches.
// Empty lists match anything.
type StaticPolicy struct {
	PolicyName string   `mapstructure:"-"`
	Scopes     []string `mapstructure:"scopes"`
	Clients    []string `mapstructure:"clients"`
	Subjects   []string `mapstructure:"subjects"`
}

func (p *StaticPolicy) Name() string { return p.PolicyName }

func (p *StaticPolicy) Evaluate(_ context.Context, in Context) (Decision, error) {
	if len(p.Scopes) > 0 && !slices.Contains(p.Scopes, in.Scope) {
		return Deny("scope not granted"), nil
	}
	if len(p.Clients) > 0 && !slices.Contains(p.Clients, in.ClientID) {
		return Deny("client not allowed"), nil
	}
	if len(p.Subjects) > 0 && !slices.Contains(p.Subjects, in.Subject()) {
		return Deny("subject not allowed"), nil
	}
	return Allow(), nil
}

// Step is one page of a claims-required flow.
type Step struct {
	Page   string            `mapstructure:"page"`
	Claims []ClaimDefinition `mapstructure:"claims"`
}

// ClaimsRequiredPolicy asks for claims over one or more steps and, once every
// claim is present, optionally checks them with a condition expression.
type ClaimsRequiredPolicy struct {
	name      string
	steps     []Step
	condition *Script
}

func NewClaimsRequiredPolicy(name string, steps []Step, condition string) (*ClaimsRequiredPolicy, error) {
	p := &ClaimsRequiredPolicy{name: name, steps: steps}
	if condition != "" {
		s, err := CompileScript(condition)
		if err != nil {
			return nil, err
		}
		p.condition = s
	}
	return p, nil
}

func (p *ClaimsRequiredPolicy) Name() string { return p.name }

func (p *ClaimsRequiredPolicy) StepsCount() int { return len(p.steps) }

func (p *ClaimsRequiredPolicy) PageForStep(step int) string {
	if step < 0 || step >= len(p.steps) {
		return ""
	}
	if p.steps[step].Page != "" {
		return p.steps[step].Page
	}
	return p.name
}

func (p *ClaimsRequiredPolicy) ClaimsForStep(step int) []ClaimDefinition {
	if step < 0 || step >= len(p.steps) {
		return nil
	}
	return slices.Clone(p.steps[step].Claims)
}

func (p *ClaimsRequiredPolicy) NextStep(claims map[string]any) int {
	for i, st := range p.steps {
		for _, c := range st.Claims {
			if _, ok := claims[c.Name]; !ok {
				return i
			}
		}
	}
	return -1
}

func (p *ClaimsRequiredPolicy) Evaluate(_ context.Context, in Context) (Decision, error) {
	if step := p.NextStep(in.Claims); step >= 0 {
		var missing []ClaimDefinition
		for _, c := range p.ClaimsForStep(step) {
			if _, ok := in.Claims[c.Name]; !ok {
				missing = append(missing, c)
			}
		}
		return NeedInfo(missing, ""), nil
	}
	if p.condition == nil {
		return Allow(), nil
	}
	ok, err := p.condition.Eval(in)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Deny("claims do not satisfy policy"), nil
	}
	return Allow(), nil
}
