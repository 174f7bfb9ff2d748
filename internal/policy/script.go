package policy

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Script is a compiled boolean expression evaluated in the expr sandbox.
// Scripts see resource, resource_type, owner, scope, client, subject and claims.
type Script struct {
	source  string
	program *vm.Program
}

func scriptEnv(in Context) map[string]any {
	env := map[string]any{
		"resource":      "",
		"resource_type": "",
		"owner":         "",
		"scope":         in.Scope,
		"client":        in.ClientID,
		"subject":       in.Subject(),
		"claims":        in.Claims,
	}
	if env["claims"] == nil {
		env["claims"] = map[string]any{}
	}
	if in.Resource != nil {
		env["resource"] = in.Resource.ID
		env["resource_type"] = in.Resource.Type
		env["owner"] = in.Resource.Owner
	}
	return env
}

func CompileScript(source string) (*Script, error) {
	program, err := expr.Compile(source, expr.Env(scriptEnv(Context{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("policy: compile %q: %w", source, err)
	}
	return &Script{source: source, program: program}, nil
}

func (s *Script) Eval(in Context) (bool, error) {
	out, err := expr.Run(s.program, scriptEnv(in))
	if err != nil {
		return false, fmt.Errorf("policy: run %q: %w", s.source, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("policy: %q returned %T", s.source, out)
	}
	return ok, nil
}

// ScriptPolicy allows when its expression evaluates to true. Missing required
// claims produce NeedInfo before the expression runs.
type ScriptPolicy struct {
	name     string
	script   *Script
	requires []ClaimDefinition
}

func NewScriptPolicy(name, source string, requires []ClaimDefinition) (*ScriptPolicy, error) {
	s, err := CompileScript(source)
	if err != nil {
		return nil, err
	}
	return &ScriptPolicy{name: name, script: s, requires: requires}, nil
}

func (p *ScriptPolicy) Name() string { return p.name }

func (p *ScriptPolicy) Evaluate(ctx context.Context, in Context) (Decision, error) {
	var missing []ClaimDefinition
	for _, c := range p.requires {
		if _, ok := in.Claims[c.Name]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return NeedInfo(missing, ""), nil
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	ok, err := p.script.Eval(in)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Deny("expression evaluated to false"), nil
	}
	return Allow(), nil
}
