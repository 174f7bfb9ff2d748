package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// RemotePolicy delegates the decision to an external policy decision point over HTTP.
type RemotePolicy struct {
	name    string
	url     string
	timeout time.Duration
	client  *http.Client
}

type remoteRequest struct {
	Resource     string         `json:"resource_id"`
	ResourceType string         `json:"resource_type,omitempty"`
	Owner        string         `json:"owner,omitempty"`
	Scope        string         `json:"scope"`
	Client       string         `json:"client_id"`
	Subject      string         `json:"subject,omitempty"`
	Claims       map[string]any `json:"claims,omitempty"`
}

type remoteResponse struct {
	Decision       string            `json:"decision"`
	Reason         string            `json:"reason"`
	RequiredClaims []ClaimDefinition `json:"required_claims"`
}

// NewRemotePolicy builds a policy posting evaluation requests to url.
// client may be nil.
func NewRemotePolicy(name, url string, timeout time.Duration, client *http.Client) *RemotePolicy {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	return &RemotePolicy{name: name, url: url, timeout: timeout, client: client}
}

func (p *RemotePolicy) Name() string { return p.name }

func (p *RemotePolicy) Timeout() time.Duration { return p.timeout }

func (p *RemotePolicy) Evaluate(ctx context.Context, in Context) (Decision, error) {
	body := remoteRequest{Scope: in.Scope, Client: in.ClientID, Subject: in.Subject(), Claims: in.Claims}
	if in.Resource != nil {
		body.Resource = in.Resource.ID
		body.ResourceType = in.Resource.Type
		body.Owner = in.Resource.Owner
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Decision{}, fmt.Errorf("policy %s: encode: %w", p.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return Decision{}, fmt.Errorf("policy %s: request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("policy %s: call: %w", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("policy %s: unexpected status %d", p.name, resp.StatusCode)
	}
	var out remoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Decision{}, fmt.Errorf("policy %s: decode: %w", p.name, err)
	}
	switch out.Decision {
	case "allow":
		return Allow(), nil
	case "deny":
		return Deny(out.Reason), nil
	case "need_info":
		if len(out.RequiredClaims) == 0 {
			return Decision{}, fmt.Errorf("policy %s: need_info without required claims", p.name)
		}
		return NeedInfo(out.RequiredClaims, ""), nil
	default:
		return Decision{}, fmt.Errorf("policy %s: unknown decision %q", p.name, out.Decision)
	}
}
