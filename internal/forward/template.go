package forward

import (
	"net"
	"strconv"
	"time"
)

// Template is a reusable rule shape that can be instantiated for any
// SSH connection.
type Template struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Type        Type      `json:"type"`
	LocalHost   string    `json:"localHost"`
	LocalPort   int       `json:"localPort"`
	RemoteHost  string    `json:"remoteHost"`
	RemotePort  int       `json:"remotePort"`
	AutoStart   bool      `json:"autoStart"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Key returns the template id.
func (t Template) Key() string { return t.ID }

// HasTag reports whether the template carries tag.
func (t Template) HasTag(tag string) bool {
	for _, v := range t.Tags {
		if v == tag {
			return true
		}
	}
	return false
}

// RuleSpec builds the spec of a rule created from this template.
func (t Template) RuleSpec(connectionID string) RuleSpec {
	return RuleSpec{
		ConnectionID: connectionID,
		Type:         t.Type,
		LocalHost:    t.LocalHost,
		LocalPort:    t.LocalPort,
		RemoteHost:   t.RemoteHost,
		RemotePort:   t.RemotePort,
		Description:  t.Description,
		AutoStart:    t.AutoStart,
		TemplateID:   t.ID,
	}
}

// TemplateSpec carries the caller-supplied fields of a new template.
type TemplateSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Type        Type     `json:"type"`
	LocalHost   string   `json:"localHost"`
	LocalPort   int      `json:"localPort"`
	RemoteHost  string   `json:"remoteHost"`
	RemotePort  int      `json:"remotePort"`
	AutoStart   bool     `json:"autoStart"`
	Tags        []string `json:"tags"`
}

// Validate checks the template fields. Templates are not bound to a
// connection, so only the endpoint combination is checked.
func (s TemplateSpec) Validate() error {
	if s.Name == "" {
		return NewConfigError("template name is required")
	}
	return validateEndpoints(s.Type, s.LocalPort, s.RemoteHost, s.RemotePort)
}

// TemplateUpdate is a partial update of a template.
type TemplateUpdate struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Type        *Type     `json:"type,omitempty"`
	LocalHost   *string   `json:"localHost,omitempty"`
	LocalPort   *int      `json:"localPort,omitempty"`
	RemoteHost  *string   `json:"remoteHost,omitempty"`
	RemotePort  *int      `json:"remotePort,omitempty"`
	AutoStart   *bool     `json:"autoStart,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

// Apply merges u into t and validates the result.
func (u TemplateUpdate) Apply(t *Template) error {
	next := *t
	if u.Name != nil {
		next.Name = *u.Name
	}
	if u.Description != nil {
		next.Description = *u.Description
	}
	if u.Type != nil {
		next.Type = *u.Type
	}
	if u.LocalHost != nil {
		next.LocalHost = *u.LocalHost
	}
	if u.LocalPort != nil {
		next.LocalPort = *u.LocalPort
	}
	if u.RemoteHost != nil {
		next.RemoteHost = *u.RemoteHost
	}
	if u.RemotePort != nil {
		next.RemotePort = *u.RemotePort
	}
	if u.AutoStart != nil {
		next.AutoStart = *u.AutoStart
	}
	if u.Tags != nil {
		next.Tags = append([]string(nil), (*u.Tags)...)
	}

	spec := TemplateSpec{
		Name:       next.Name,
		Type:       next.Type,
		LocalPort:  next.LocalPort,
		RemoteHost: next.RemoteHost,
		RemotePort: next.RemotePort,
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	*t = next
	return nil
}

// TrafficStats is the in-memory traffic accounting of one forward.
// BytesIn counts bytes from the listening side's peer toward the target,
// BytesOut the bytes flowing back.
type TrafficStats struct {
	ForwardID         string    `json:"forwardId"`
	BytesIn           int64     `json:"bytesIn"`
	BytesOut          int64     `json:"bytesOut"`
	ConnectionsTotal  int64     `json:"connectionsTotal"`
	ConnectionsActive int64     `json:"connectionsActive"`
	LastActivity      time.Time `json:"lastActivity"`
	StartTime         time.Time `json:"startTime"`
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
