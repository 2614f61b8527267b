package service

import (
	"github.com/orris-inc/sshfwd/internal/forward"
	"github.com/orris-inc/sshfwd/internal/logger"
)

// CreateTemplate validates spec and stores a new template.
func (s *Service) CreateTemplate(spec forward.TemplateSpec) (forward.Template, error) {
	return s.registry.CreateTemplate(spec)
}

// GetTemplate returns the template with id.
func (s *Service) GetTemplate(id string) (forward.Template, error) {
	return s.registry.GetTemplate(id)
}

// ListTemplates returns every template, oldest first.
func (s *Service) ListTemplates() []forward.Template {
	return s.registry.ListTemplates()
}

// TemplatesByTag returns the templates carrying tag.
func (s *Service) TemplatesByTag(tag string) []forward.Template {
	return s.registry.TemplatesByTag(tag)
}

// SearchTemplates matches query against template names and descriptions.
func (s *Service) SearchTemplates(query string) []forward.Template {
	return s.registry.SearchTemplates(query)
}

// UpdateTemplate applies u to the template with id.
func (s *Service) UpdateTemplate(id string, u forward.TemplateUpdate) (forward.Template, error) {
	return s.registry.UpdateTemplate(id, u)
}

// DeleteTemplate removes a template. Rules created from it are kept.
func (s *Service) DeleteTemplate(id string) error {
	return s.registry.DeleteTemplate(id)
}

// CreateForwardFromTemplate adds a rule for connectionID built from the
// template. The rule is not started.
func (s *Service) CreateForwardFromTemplate(templateID, connectionID string) (forward.Rule, error) {
	rule, err := s.registry.Instantiate(templateID, connectionID)
	if err != nil {
		return forward.Rule{}, err
	}
	logger.Info("forward created from template", "forward_id", rule.ID, "template_id", templateID, "connection_id", connectionID)
	return rule, nil
}
