package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/conduitq/conduit/pkg/broker"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/google/uuid"
)

// Template is a parameterized workflow definition. String values in task
// args and kwargs may carry {{param}} placeholders that instantiation
// substitutes.
type Template struct {
	ID         string     `json:"id" yaml:"id"`
	Name       string     `json:"name" yaml:"name"`
	Parameters []string   `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Tasks      []TaskSpec `json:"tasks" yaml:"tasks"`
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Templates stores workflow templates in the broker fabric. Deleting a
// template never touches workflows already instantiated from it.
type Templates struct {
	broker *broker.Broker
}

// NewTemplates creates a template store over the broker
func NewTemplates(b *broker.Broker) *Templates {
	return &Templates{broker: b}
}

// Save persists a template, minting an id when absent
func (t *Templates) Save(ctx context.Context, tmpl *Template) error {
	if tmpl.Name == "" {
		return fmt.Errorf("template name required: %w", types.ErrInvalidTask)
	}
	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	}
	if _, err := Build(&Spec{Name: tmpl.Name, Tasks: tmpl.Tasks}); err != nil {
		return fmt.Errorf("template %q: %w", tmpl.Name, err)
	}
	raw, err := json.Marshal(tmpl)
	if err != nil {
		return err
	}
	return t.broker.PutTemplate(ctx, tmpl.ID, raw)
}

// Get loads a template by id
func (t *Templates) Get(ctx context.Context, id string) (*Template, error) {
	raw, err := t.broker.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	var tmpl Template
	if err := json.Unmarshal(raw, &tmpl); err != nil {
		return nil, fmt.Errorf("decode template %s: %w", id, err)
	}
	return &tmpl, nil
}

// Delete removes a template definition
func (t *Templates) Delete(ctx context.Context, id string) error {
	return t.broker.DeleteTemplate(ctx, id)
}

// List returns the stored template ids
func (t *Templates) List(ctx context.Context) ([]string, error) {
	return t.broker.ListTemplates(ctx)
}

// Instantiate substitutes params into the template and returns a fresh
// workflow definition ready for submission. Placeholders with no matching
// parameter fail the instantiation.
func (t *Templates) Instantiate(ctx context.Context, id string, params map[string]string) (*Spec, error) {
	tmpl, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	spec := &Spec{Name: tmpl.Name, Tasks: make([]TaskSpec, len(tmpl.Tasks))}
	copy(spec.Tasks, tmpl.Tasks)
	for i := range spec.Tasks {
		args, err := substituteValue(spec.Tasks[i].Args, params)
		if err != nil {
			return nil, fmt.Errorf("template %q task %q: %w", tmpl.Name, spec.Tasks[i].Name, err)
		}
		spec.Tasks[i].Args, _ = args.([]any)

		kwargs, err := substituteValue(spec.Tasks[i].Kwargs, params)
		if err != nil {
			return nil, fmt.Errorf("template %q task %q: %w", tmpl.Name, spec.Tasks[i].Name, err)
		}
		spec.Tasks[i].Kwargs, _ = kwargs.(map[string]any)
	}
	return spec, nil
}

// substituteValue walks args/kwargs structures replacing {{param}}
// placeholders inside string leaves
func substituteValue(v any, params map[string]string) (any, error) {
	switch value := v.(type) {
	case string:
		var missing error
		out := placeholderRe.ReplaceAllStringFunc(value, func(match string) string {
			name := placeholderRe.FindStringSubmatch(match)[1]
			replacement, ok := params[name]
			if !ok {
				missing = fmt.Errorf("unresolved parameter %q", name)
				return match
			}
			return replacement
		})
		if missing != nil {
			return nil, missing
		}
		return out, nil
	case []any:
		out := make([]any, len(value))
		for i, element := range value {
			substituted, err := substituteValue(element, params)
			if err != nil {
				return nil, err
			}
			out[i] = substituted
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, element := range value {
			substituted, err := substituteValue(element, params)
			if err != nil {
				return nil, err
			}
			out[key] = substituted
		}
		return out, nil
	default:
		return v, nil
	}
}
