package policy

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Policy kinds accepted in definitions.
const (
	KindStatic         = "static"
	KindScript         = "script"
	KindRemote         = "remote"
	KindClaimsRequired = "claims_required"
)

// Definition is the persisted form of a policy.
type Definition struct {
	Name   string         `yaml:"name" json:"name"`
	Kind   string         `yaml:"kind" json:"kind"`
	Config map[string]any `yaml:"config" json:"config"`
}

// Binding attaches policies to a resource and scope.
type Binding struct {
	Resource string   `yaml:"resource" json:"resource"`
	Scope    string   `yaml:"scope" json:"scope"`
	Policies []string `yaml:"policies" json:"policies"`
}

type scriptConfig struct {
	Expression string            `mapstructure:"expression"`
	Requires   []ClaimDefinition `mapstructure:"requires"`
}

type remoteConfig struct {
	URL     string `mapstructure:"url"`
	Timeout string `mapstructure:"timeout"`
}

type claimsConfig struct {
	Steps     []Step `mapstructure:"steps"`
	Condition string `mapstructure:"condition"`
}

func decode(def Definition, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
	})
	if err != nil {
		return fmt.Errorf("policy %s: decoder: %w", def.Name, err)
	}
	if err := decoder.Decode(def.Config); err != nil {
		return fmt.Errorf("policy %s: decode config: %w", def.Name, err)
	}
	return nil
}

// Build constructs a policy from its definition.
func Build(def Definition) (Policy, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("policy: definition without name")
	}
	switch def.Kind {
	case KindStatic:
		p := &StaticPolicy{}
		if err := decode(def, p); err != nil {
			return nil, err
		}
		p.PolicyName = def.Name
		return p, nil
	case KindScript:
		var cfg scriptConfig
		if err := decode(def, &cfg); err != nil {
			return nil, err
		}
		return NewScriptPolicy(def.Name, cfg.Expression, cfg.Requires)
	case KindRemote:
		var cfg remoteConfig
		if err := decode(def, &cfg); err != nil {
			return nil, err
		}
		if cfg.URL == "" {
			return nil, fmt.Errorf("policy %s: remote url required", def.Name)
		}
		var timeout time.Duration
		if cfg.Timeout != "" {
			d, err := time.ParseDuration(cfg.Timeout)
			if err != nil {
				return nil, fmt.Errorf("policy %s: timeout: %w", def.Name, err)
			}
			timeout = d
		}
		return NewRemotePolicy(def.Name, cfg.URL, timeout, nil), nil
	case KindClaimsRequired:
		var cfg claimsConfig
		if err := decode(def, &cfg); err != nil {
			return nil, err
		}
		if len(cfg.Steps) == 0 {
			return nil, fmt.Errorf("policy %s: at least one step required", def.Name)
		}
		return NewClaimsRequiredPolicy(def.Name, cfg.Steps, cfg.Condition)
	default:
		return nil, fmt.Errorf("policy %s: unsupported kind %q", def.Name, def.Kind)
	}
}

// NewRegistryFrom builds a registry from definitions and bindings.
func NewRegistryFrom(defs []Definition, bindings []Binding) (*Registry, error) {
	reg := NewRegistry()
	for _, def := range defs {
		p, err := Build(def)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	for _, b := range bindings {
		if err := reg.Bind(b.Resource, b.Scope, b.Policies...); err != nil {
			return nil, fmt.Errorf("bind %s/%s: %w", b.Resource, b.Scope, err)
		}
	}
	return reg, nil
}
