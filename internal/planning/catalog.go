package planning

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/shikumi/internal/model"
)

// ToolSpec describes one tool the planner may choose.
type ToolSpec struct {
	Name            string          `yaml:"name" json:"name"`
	Description     string          `yaml:"description" json:"description,omitempty"`
	Keywords        []string        `yaml:"keywords" json:"keywords,omitempty"`
	Capabilities    []string        `yaml:"capabilities" json:"capabilities,omitempty"`
	Domain          string          `yaml:"domain" json:"domain,omitempty"`
	EstimatedCost   float64         `yaml:"estimated_cost" json:"estimated_cost"`
	EstimatedTokens int64           `yaml:"estimated_tokens" json:"estimated_tokens"`
	Risk            model.RiskLevel `yaml:"risk" json:"risk,omitempty"`
	DefaultInput    map[string]any  `yaml:"default_input" json:"default_input,omitempty"`
	// Endpoint is the worker URL an HTTP tool posts to. Tools registered in
	// process leave it empty.
	Endpoint        string          `yaml:"endpoint" json:"endpoint,omitempty"`
}

func (s ToolSpec) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("tool name is required")
	}
	if s.EstimatedCost < 0 || s.EstimatedTokens < 0 {
		return fmt.Errorf("tool %s: estimates must be non-negative", s.Name)
	}
	if _, err := model.ParseRiskLevel(string(s.Risk)); err != nil {
		return fmt.Errorf("tool %s: %w", s.Name, err)
	}
	return nil
}

// Catalog is the set of tools and workers available to a plan. A Catalog is
// read-only after construction and safe to share.
type Catalog struct {
	tools   map[string]ToolSpec
	names   []string
	workers []model.Worker
}

type catalogFile struct {
	Tools   []ToolSpec     `yaml:"tools"`
	Workers []model.Worker `yaml:"workers"`
}

// NewCatalog builds a catalog from tool specs and workers.
func NewCatalog(tools []ToolSpec, workers []model.Worker) (*Catalog, error) {
	c := &Catalog{tools: make(map[string]ToolSpec, len(tools))}
	for _, t := range tools {
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("planning: catalog: %w", err)
		}
		if _, dup := c.tools[t.Name]; dup {
			return nil, fmt.Errorf("planning: catalog: duplicate tool %q", t.Name)
		}
		risk, _ := model.ParseRiskLevel(string(t.Risk))
		t.Risk = risk
		t.Keywords = lowerAll(t.Keywords)
		t.Capabilities = lowerAll(t.Capabilities)
		c.tools[t.Name] = t
		c.names = append(c.names, t.Name)
	}
	sort.Strings(c.names)

	seen := map[string]bool{}
	for _, w := range workers {
		if w.ID == "" {
			return nil, errors.New("planning: catalog: worker id is required")
		}
		if seen[w.ID] {
			return nil, fmt.Errorf("planning: catalog: duplicate worker %q", w.ID)
		}
		seen[w.ID] = true
		w.Capabilities = lowerAll(w.Capabilities)
		c.workers = append(c.workers, w)
	}
	return c, nil
}

// ParseCatalog decodes a YAML catalog. Unknown keys are rejected.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f catalogFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("planning: decode catalog: %w", err)
	}
	return NewCatalog(f.Tools, f.Workers)
}

// LoadCatalog reads a YAML catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("planning: read catalog %s: %w", path, err)
	}
	return ParseCatalog(bytes.NewReader(b))
}

// Get returns the spec for name.
func (c *Catalog) Get(name string) (ToolSpec, bool) {
	t, ok := c.tools[name]
	if !ok {
		return ToolSpec{}, false
	}
	t.DefaultInput = maps.Clone(t.DefaultInput)
	return t, true
}

// Names returns tool names in sorted order.
func (c *Catalog) Names() []string { return slices.Clone(c.names) }

// Tools returns every tool spec sorted by name.
func (c *Catalog) Tools() []ToolSpec {
	out := make([]ToolSpec, 0, len(c.names))
	for _, n := range c.names {
		t, _ := c.Get(n)
		out = append(out, t)
	}
	return out
}

// Workers returns the declared workers in file order.
func (c *Catalog) Workers() []model.Worker { return slices.Clone(c.workers) }

// Len is the number of tools.
func (c *Catalog) Len() int { return len(c.names) }

func lowerAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
