package algorithm

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/models"
)

//go:embed templates.yaml
var templatesYAML []byte

// Catalog is the read-only set of algorithm templates.
type Catalog struct {
	templates []models.AlgorithmTemplate
}

// LoadCatalog parses the built-in templates and validates their parameters.
func LoadCatalog() (*Catalog, error) {
	return ParseCatalog(templatesYAML)
}

// ParseCatalog parses a YAML template list.
func ParseCatalog(data []byte) (*Catalog, error) {
	var templates []models.AlgorithmTemplate
	if err := yaml.Unmarshal(data, &templates); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "parse templates: "+err.Error())
	}

	seen := make(map[string]bool, len(templates))
	for i, t := range templates {
		if t.Name == "" {
			return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, "template %d has no name", i)
		}
		if seen[strings.ToLower(t.Name)] {
			return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, "duplicate template %q", t.Name)
		}
		seen[strings.ToLower(t.Name)] = true
		if !t.Type.Valid() {
			return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, "template %q: unknown algorithm type %q", t.Name, t.Type)
		}
		v, err := ValidatePatch(t.Type, t.DefaultParameters)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", t.Name, err)
		}
		templates[i].DefaultParameters = v.Parameters
	}

	return &Catalog{templates: templates}, nil
}

// List returns templates filtered by category and difficulty; empty filters match all.
func (c *Catalog) List(category, difficulty string) []models.AlgorithmTemplate {
	var out []models.AlgorithmTemplate
	for _, t := range c.templates {
		if category != "" && !strings.EqualFold(t.Category, category) {
			continue
		}
		if difficulty != "" && !strings.EqualFold(t.Difficulty, difficulty) {
			continue
		}
		t.DefaultParameters = t.DefaultParameters.Clone()
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get finds a template by name, case-insensitively.
func (c *Catalog) Get(name string) (models.AlgorithmTemplate, error) {
	for _, t := range c.templates {
		if strings.EqualFold(t.Name, name) {
			t.DefaultParameters = t.DefaultParameters.Clone()
			return t, nil
		}
	}
	return models.AlgorithmTemplate{}, apperrors.Wrapf(apperrors.ErrTemplateNotFound, "template %q", name)
}

// Categories returns algorithm types grouped by template category.
func (c *Catalog) Categories() map[string][]models.AlgorithmType {
	out := make(map[string][]models.AlgorithmType)
	for _, t := range c.templates {
		out[t.Category] = append(out[t.Category], t.Type)
	}
	return out
}
