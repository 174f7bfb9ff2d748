package policy

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"umagate.org/internal/uma"
)

// ResourceDoc is a resource entry in a policy file.
type ResourceDoc struct {
	ID       string   `yaml:"id"`
	Owner    string   `yaml:"owner"`
	ClientID string   `yaml:"client_id"`
	Type     string   `yaml:"type"`
	Scopes   []string `yaml:"scopes"`
}

// Document is the on-disk description of resources and their policies.
type Document struct {
	Resources []ResourceDoc `yaml:"resources"`
	Policies  []Definition  `yaml:"policies"`
	Bindings  []Binding     `yaml:"bindings"`
}

// UMAResources converts the document's resources.
func (d *Document) UMAResources() []uma.Resource {
	out := make([]uma.Resource, 0, len(d.Resources))
	for _, r := range d.Resources {
		out = append(out, uma.Resource{ID: r.ID, Owner: r.Owner, ClientID: r.ClientID, Type: r.Type, Scopes: r.Scopes})
	}
	return out
}

// Registry builds the policy registry described by the document.
func (d *Document) Registry() (*Registry, error) {
	return NewRegistryFrom(d.Policies, d.Bindings)
}

func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy: parse document: %w", err)
	}
	seen := map[string]bool{}
	for _, r := range doc.Resources {
		if r.ID == "" {
			return nil, fmt.Errorf("policy: resource without id")
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("policy: duplicate resource %q", r.ID)
		}
		seen[r.ID] = true
	}
	return &doc, nil
}

func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return ParseDocument(data)
}
