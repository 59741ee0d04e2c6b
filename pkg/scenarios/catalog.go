// Package scenarios holds the static catalog of study scenarios.
//
// The catalog is read-only after load. The default catalog is embedded in the
// binary; deployments can point the server at an alternative YAML file with the
// same shape.
package scenarios

import (
	"bytes"
	_ "embed"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed scenarios.yaml
var defaultCatalogYAML []byte

// Category selects the framing of a scenario and of the assistant's instructions.
type Category string

const (
	// CategoryEthicalJudgment frames "am I at fault" moral dilemmas.
	CategoryEthicalJudgment Category = "aita"
	// CategoryGenderBias frames scenarios about potential sexism.
	CategoryGenderBias Category = "sexism"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryEthicalJudgment, CategoryGenderBias:
		return true
	default:
		return false
	}
}

// Label is a human readable name used in listings.
func (c Category) Label() string {
	switch c {
	case CategoryEthicalJudgment:
		return "ethical judgment"
	case CategoryGenderBias:
		return "gender bias"
	default:
		return string(c)
	}
}

// Scenario is one written situation a participant discusses with the assistant.
type Scenario struct {
	ID          string   `yaml:"id" json:"id"`
	Category    Category `yaml:"category" json:"category"`
	Title       string   `yaml:"title" json:"title"`
	Body        string   `yaml:"body" json:"body"`
	OpeningLine string   `yaml:"opening_line" json:"opening_line"`
}

type catalogFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// Catalog is an immutable id -> Scenario lookup table.
type Catalog struct {
	ordered []Scenario
	byID    map[string]Scenario
}

// Default returns the embedded catalog. It panics if the embedded file is broken,
// which only happens on a bad build.
func Default() *Catalog {
	c, err := Load(bytes.NewReader(defaultCatalogYAML))
	if err != nil {
		panic(errors.Wrap(err, "scenarios: embedded catalog"))
	}
	return c
}

// Load parses a YAML catalog.
func Load(r io.Reader) (*Catalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(err, "scenarios: decode catalog")
	}
	return New(f.Scenarios)
}

// New builds a catalog from a slice, validating every entry.
func New(list []Scenario) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Scenario, len(list))}
	for i, s := range list {
		s.ID = strings.TrimSpace(s.ID)
		s.Title = strings.TrimSpace(s.Title)
		s.Body = strings.TrimSpace(s.Body)
		s.OpeningLine = strings.TrimSpace(s.OpeningLine)
		if s.ID == "" {
			return nil, errors.Errorf("scenarios: entry %d has no id", i)
		}
		if !s.Category.Valid() {
			return nil, errors.Errorf("scenarios: %s: unknown category %q", s.ID, s.Category)
		}
		if s.OpeningLine == "" {
			return nil, errors.Errorf("scenarios: %s: empty opening line", s.ID)
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, errors.Errorf("scenarios: duplicate id %q", s.ID)
		}
		c.byID[s.ID] = s
		c.ordered = append(c.ordered, s)
	}
	return c, nil
}

func (c *Catalog) Lookup(id string) (Scenario, bool) {
	if c == nil {
		return Scenario{}, false
	}
	s, ok := c.byID[strings.TrimSpace(id)]
	return s, ok
}

// List returns all scenarios in catalog file order.
func (c *Catalog) List() []Scenario {
	if c == nil {
		return nil
	}
	out := make([]Scenario, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// ByCategory returns the scenarios of one category sorted by id.
func (c *Catalog) ByCategory(cat Category) []Scenario {
	if c == nil {
		return nil
	}
	out := make([]Scenario, 0, len(c.ordered))
	for _, s := range c.ordered {
		if s.Category == cat {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Preview shortens a scenario body for listings, the way the landing page did.
func Preview(s Scenario, n int) string {
	body := []rune(s.Body)
	if n <= 0 || len(body) <= n {
		return s.Body
	}
	return string(body[:n]) + "..."
}
