package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/orris-inc/sshfwd/internal/forward"
)

// CreateTemplate validates spec and persists a new template.
func (r *Registry) CreateTemplate(spec forward.TemplateSpec) (forward.Template, error) {
	if err := spec.Validate(); err != nil {
		return forward.Template{}, err
	}

	now := r.now()
	tmpl := forward.Template{
		ID:          r.newID("template"),
		Name:        spec.Name,
		Description: spec.Description,
		Type:        spec.Type,
		LocalHost:   spec.LocalHost,
		LocalPort:   spec.LocalPort,
		RemoteHost:  spec.RemoteHost,
		RemotePort:  spec.RemotePort,
		AutoStart:   spec.AutoStart,
		Tags:        append([]string{}, spec.Tags...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.templates[tmpl.ID] = tmpl
	if err := r.saveTemplatesLocked(); err != nil {
		delete(r.templates, tmpl.ID)
		return forward.Template{}, err
	}
	return tmpl, nil
}

// GetTemplate returns the template with id.
func (r *Registry) GetTemplate(id string) (forward.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tmpl, ok := r.templates[id]
	if !ok {
		return forward.Template{}, forward.NotFoundError("template", id)
	}
	return tmpl, nil
}

// ListTemplates returns all templates, oldest first.
func (r *Registry) ListTemplates() []forward.Template {
	return r.filterTemplates(func(forward.Template) bool { return true })
}

// TemplatesByTag returns the templates carrying tag.
func (r *Registry) TemplatesByTag(tag string) []forward.Template {
	return r.filterTemplates(func(t forward.Template) bool { return t.HasTag(tag) })
}

// SearchTemplates matches query case-insensitively against template names
// and descriptions. An empty query matches everything.
func (r *Registry) SearchTemplates(query string) []forward.Template {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return r.ListTemplates()
	}
	return r.filterTemplates(func(t forward.Template) bool {
		return containsFold(t.Name, q) || containsFold(t.Description, q)
	})
}

// UpdateTemplate merges u into the template with id.
func (r *Registry) UpdateTemplate(id string, u forward.TemplateUpdate) (forward.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.templates[id]
	if !ok {
		return forward.Template{}, forward.NotFoundError("template", id)
	}

	next := prev
	if err := u.Apply(&next); err != nil {
		return forward.Template{}, err
	}
	next.UpdatedAt = r.now()

	r.templates[id] = next
	if err := r.saveTemplatesLocked(); err != nil {
		r.templates[id] = prev
		return forward.Template{}, err
	}
	return next, nil
}

// DeleteTemplate removes the template with id. Rules created from it are
// kept.
func (r *Registry) DeleteTemplate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.templates[id]
	if !ok {
		return forward.NotFoundError("template", id)
	}

	delete(r.templates, id)
	if err := r.saveTemplatesLocked(); err != nil {
		r.templates[id] = prev
		return err
	}
	return nil
}

// Instantiate creates a rule for connectionID from a template.
func (r *Registry) Instantiate(templateID, connectionID string) (forward.Rule, error) {
	tmpl, err := r.GetTemplate(templateID)
	if err != nil {
		return forward.Rule{}, err
	}
	return r.CreateRule(tmpl.RuleSpec(connectionID))
}

func (r *Registry) filterTemplates(keep func(forward.Template) bool) []forward.Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]forward.Template, 0, len(r.templates))
	for _, tmpl := range r.templates {
		if keep(tmpl) {
			out = append(out, tmpl)
		}
	}
	sortTemplates(out)
	return out
}

func (r *Registry) saveTemplatesLocked() error {
	templates := make([]forward.Template, 0, len(r.templates))
	for _, tmpl := range r.templates {
		templates = append(templates, tmpl)
	}
	sortTemplates(templates)

	if err := r.templateStore.Save(templates); err != nil {
		return fmt.Errorf("save templates: %w", err)
	}
	return nil
}

func sortTemplates(templates []forward.Template) {
	sort.Slice(templates, func(i, j int) bool {
		if !templates[i].CreatedAt.Equal(templates[j].CreatedAt) {
			return templates[i].CreatedAt.Before(templates[j].CreatedAt)
		}
		return templates[i].ID < templates[j].ID
	})
}
