// Package registry owns the persisted forwarding rules and templates.
// Every mutation is written through to the backing collection before it
// becomes visible.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orris-inc/sshfwd/internal/forward"
	"github.com/orris-inc/sshfwd/internal/logger"
	"github.com/orris-inc/sshfwd/internal/store"
)

// Registry is the durable catalog of rules and templates.
type Registry struct {
	mu        sync.RWMutex
	rules     map[string]forward.Rule
	templates map[string]forward.Template

	ruleStore     store.Collection[forward.Rule]
	templateStore store.Collection[forward.Template]

	now   func() time.Time
	newID func(prefix string) string
}

// New loads both collections. Rules persisted as active are reset to
// inactive since no session survives a restart.
func New(rules store.Collection[forward.Rule], templates store.Collection[forward.Template]) (*Registry, error) {
	r := &Registry{
		rules:         make(map[string]forward.Rule),
		templates:     make(map[string]forward.Template),
		ruleStore:     rules,
		templateStore: templates,
		now:           time.Now,
		newID:         func(prefix string) string { return prefix + "-" + uuid.NewString() },
	}

	loadedRules, err := rules.Load()
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	reset := 0
	for _, rule := range loadedRules {
		if rule.Status == forward.StatusActive {
			rule.Status = forward.StatusInactive
			reset++
		}
		r.rules[rule.ID] = rule
	}

	loadedTemplates, err := templates.Load()
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	for _, tmpl := range loadedTemplates {
		r.templates[tmpl.ID] = tmpl
	}

	if reset > 0 {
		r.mu.Lock()
		err := r.saveRulesLocked()
		r.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	logger.Debug("registry loaded", "rules", len(r.rules), "templates", len(r.templates), "reset", reset)
	return r, nil
}

// CreateRule validates spec, assigns an id and persists the new rule.
func (r *Registry) CreateRule(spec forward.RuleSpec) (forward.Rule, error) {
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return forward.Rule{}, err
	}

	now := r.now()
	rule := forward.Rule{
		ID:           r.newID("forward"),
		ConnectionID: spec.ConnectionID,
		Type:         spec.Type,
		LocalHost:    spec.LocalHost,
		LocalPort:    spec.LocalPort,
		RemoteHost:   spec.RemoteHost,
		RemotePort:   spec.RemotePort,
		Status:       forward.StatusInactive,
		Description:  spec.Description,
		AutoStart:    spec.AutoStart,
		TemplateID:   spec.TemplateID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.rules[rule.ID] = rule
	if err := r.saveRulesLocked(); err != nil {
		delete(r.rules, rule.ID)
		return forward.Rule{}, err
	}
	return rule, nil
}

// GetRule returns the rule with id.
func (r *Registry) GetRule(id string) (forward.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.rules[id]
	if !ok {
		return forward.Rule{}, forward.NotFoundError("forward", id)
	}
	return rule, nil
}

// ListRules returns the rules of connectionID, or all rules when it is
// empty, oldest first.
func (r *Registry) ListRules(connectionID string) []forward.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := make([]forward.Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		if connectionID == "" || rule.ConnectionID == connectionID {
			rules = append(rules, rule)
		}
	}
	sortRules(rules)
	return rules
}

// ListAutoStart returns the auto-start rules of connectionID.
func (r *Registry) ListAutoStart(connectionID string) []forward.Rule {
	all := r.ListRules(connectionID)
	rules := all[:0]
	for _, rule := range all {
		if rule.AutoStart {
			rules = append(rules, rule)
		}
	}
	return rules
}

// UpdateRule merges u into the rule with id and persists it.
func (r *Registry) UpdateRule(id string, u forward.RuleUpdate) (forward.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.rules[id]
	if !ok {
		return forward.Rule{}, forward.NotFoundError("forward", id)
	}

	next := prev
	if err := u.Apply(&next); err != nil {
		return forward.Rule{}, err
	}
	next.UpdatedAt = r.now()

	r.rules[id] = next
	if err := r.saveRulesLocked(); err != nil {
		r.rules[id] = prev
		return forward.Rule{}, err
	}
	return next, nil
}

// SetStatus records the lifecycle state of a rule. msg is stored as the
// rule error for StatusError and cleared otherwise.
func (r *Registry) SetStatus(id string, status forward.Status, msg string) (forward.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.rules[id]
	if !ok {
		return forward.Rule{}, forward.NotFoundError("forward", id)
	}

	next := prev
	next.Status = status
	next.Error = ""
	if status == forward.StatusError {
		next.Error = msg
	}
	next.UpdatedAt = r.now()

	r.rules[id] = next
	if err := r.saveRulesLocked(); err != nil {
		r.rules[id] = prev
		return forward.Rule{}, err
	}
	return next, nil
}

// DeleteRule removes the rule with id.
func (r *Registry) DeleteRule(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.rules[id]
	if !ok {
		return forward.NotFoundError("forward", id)
	}

	delete(r.rules, id)
	if err := r.saveRulesLocked(); err != nil {
		r.rules[id] = prev
		return err
	}
	return nil
}

func (r *Registry) saveRulesLocked() error {
	rules := make([]forward.Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		rules = append(rules, rule)
	}
	sortRules(rules)

	if err := r.ruleStore.Save(rules); err != nil {
		return fmt.Errorf("save rules: %w", err)
	}
	return nil
}

func sortRules(rules []forward.Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}
