package policy

// Effect is the outcome of a policy evaluation. The zero value is invalid
// and treated as a denial.
type Effect int

const (
	EffectAllow Effect = iota + 1
	EffectDeny
	EffectNeedInfo
)

func (e Effect) String() string {
	switch e {
	case EffectAllow:
		return "allow"
	case EffectDeny:
		return "deny"
	case EffectNeedInfo:
		return "need_info"
	default:
		return "invalid"
	}
}

// ClaimDefinition describes a claim the requesting party must supply.
type ClaimDefinition struct {
	Name             string   `json:"name" mapstructure:"name"`
	FriendlyName     string   `json:"friendly_name,omitempty" mapstructure:"friendly_name"`
	ClaimType        string   `json:"claim_type,omitempty" mapstructure:"claim_type"`
	ClaimTokenFormat []string `json:"claim_token_format,omitempty" mapstructure:"claim_token_format"`
	Issuer           []string `json:"issuer,omitempty" mapstructure:"issuer"`
}

// Decision is the sum type returned by every policy.
type Decision struct {
	Effect         Effect
	Reason         string
	RequiredClaims []ClaimDefinition
	RedirectUser   string
	// Policy names the policy that produced a NeedInfo decision.
	Policy string
}

func Allow() Decision { return Decision{Effect: EffectAllow} }

func Deny(reason string) Decision { return Decision{Effect: EffectDeny, Reason: reason} }

func NeedInfo(claims []ClaimDefinition, redirect string) Decision {
	return Decision{Effect: EffectNeedInfo, RequiredClaims: claims, RedirectUser: redirect}
}

func (d Decision) Allowed() bool { return d.Effect == EffectAllow }

func (d Decision) NeedsInfo() bool { return d.Effect == EffectNeedInfo }
