// Package forward defines the forwarding rule model shared by the
// registry, the forwarders and the service layer.
package forward

import (
	"fmt"
	"time"
)

// Type is the kind of tunnel a rule describes.
type Type string

const (
	TypeLocal   Type = "local"
	TypeRemote  Type = "remote"
	TypeDynamic Type = "dynamic"
)

// Valid reports whether t is one of the known tunnel types.
func (t Type) Valid() bool {
	switch t {
	case TypeLocal, TypeRemote, TypeDynamic:
		return true
	}
	return false
}

// Status is the lifecycle state of a rule.
//
//	inactive --start--> active --stop--> inactive
//	inactive --start fails--> error --start--> active | error
type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusError    Status = "error"
)

// DefaultHost is used for empty bind and target hosts.
const DefaultHost = "127.0.0.1"

// Rule is a persisted forwarding rule.
type Rule struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connectionId"`
	Type         Type      `json:"type"`
	LocalHost    string    `json:"localHost"`
	LocalPort    int       `json:"localPort"`
	RemoteHost   string    `json:"remoteHost"`
	RemotePort   int       `json:"remotePort"`
	Status       Status    `json:"status"`
	Error        string    `json:"error,omitempty"`
	Description  string    `json:"description,omitempty"`
	AutoStart    bool      `json:"autoStart,omitempty"`
	TemplateID   string    `json:"templateId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Key returns the rule id; it keys the rule in persistent collections.
func (r Rule) Key() string { return r.ID }

// LocalAddr returns the local endpoint as host:port.
func (r Rule) LocalAddr() string {
	return joinHostPort(r.LocalHost, r.LocalPort)
}

// RemoteAddr returns the remote endpoint as host:port.
func (r Rule) RemoteAddr() string {
	return joinHostPort(r.RemoteHost, r.RemotePort)
}

// EndpointsEqual reports whether two rules would bind and dial the same
// addresses.
func (r Rule) EndpointsEqual(o Rule) bool {
	return r.LocalHost == o.LocalHost &&
		r.LocalPort == o.LocalPort &&
		r.RemoteHost == o.RemoteHost &&
		r.RemotePort == o.RemotePort
}

// RuleSpec carries the caller-supplied fields of a new rule.
type RuleSpec struct {
	ConnectionID string `json:"connectionId"`
	Type         Type   `json:"type"`
	LocalHost    string `json:"localHost"`
	LocalPort    int    `json:"localPort"`
	RemoteHost   string `json:"remoteHost"`
	RemotePort   int    `json:"remotePort"`
	Description  string `json:"description,omitempty"`
	AutoStart    bool   `json:"autoStart,omitempty"`
	TemplateID   string `json:"templateId,omitempty"`
}

// Normalize fills defaults for the rule type.
func (s *RuleSpec) Normalize() {
	if s.LocalHost == "" {
		s.LocalHost = DefaultHost
	}
	switch s.Type {
	case TypeRemote:
		if s.RemoteHost == "" {
			s.RemoteHost = DefaultHost
		}
	case TypeDynamic:
		s.RemoteHost = ""
		s.RemotePort = 0
	}
}

// Validate checks the field combination required by the rule type.
func (s RuleSpec) Validate() error {
	if s.ConnectionID == "" {
		return NewConfigError("connectionId is required")
	}
	return validateEndpoints(s.Type, s.LocalPort, s.RemoteHost, s.RemotePort)
}

// RuleUpdate is a partial update of a rule. Nil fields are left unchanged.
// The rule type and lifecycle fields cannot be updated.
type RuleUpdate struct {
	ConnectionID *string `json:"connectionId,omitempty"`
	LocalHost    *string `json:"localHost,omitempty"`
	LocalPort    *int    `json:"localPort,omitempty"`
	RemoteHost   *string `json:"remoteHost,omitempty"`
	RemotePort   *int    `json:"remotePort,omitempty"`
	Description  *string `json:"description,omitempty"`
	AutoStart    *bool   `json:"autoStart,omitempty"`
}

// Apply merges u into r and validates the result.
func (u RuleUpdate) Apply(r *Rule) error {
	next := *r
	if u.ConnectionID != nil {
		next.ConnectionID = *u.ConnectionID
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
	if u.Description != nil {
		next.Description = *u.Description
	}
	if u.AutoStart != nil {
		next.AutoStart = *u.AutoStart
	}

	spec := next.Spec()
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return err
	}
	next.LocalHost, next.RemoteHost, next.RemotePort = spec.LocalHost, spec.RemoteHost, spec.RemotePort

	*r = next
	return nil
}

// Spec returns the caller-supplied fields of r.
func (r Rule) Spec() RuleSpec {
	return RuleSpec{
		ConnectionID: r.ConnectionID,
		Type:         r.Type,
		LocalHost:    r.LocalHost,
		LocalPort:    r.LocalPort,
		RemoteHost:   r.RemoteHost,
		RemotePort:   r.RemotePort,
		Description:  r.Description,
		AutoStart:    r.AutoStart,
		TemplateID:   r.TemplateID,
	}
}

func validateEndpoints(t Type, localPort int, remoteHost string, remotePort int) error {
	if !t.Valid() {
		return NewConfigError(fmt.Sprintf("unknown forward type %q", t))
	}
	if err := validatePort("localPort", localPort); err != nil {
		return err
	}
	if err := validatePort("remotePort", remotePort); err != nil {
		return err
	}

	switch t {
	case TypeLocal:
		if remoteHost == "" || remotePort == 0 {
			return NewConfigError("local forward requires remoteHost and remotePort")
		}
	case TypeRemote:
		if remotePort == 0 {
			return NewConfigError("remote forward requires remotePort")
		}
		if localPort == 0 {
			return NewConfigError("remote forward requires localPort")
		}
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 0 || port > 65535 {
		return NewConfigError(fmt.Sprintf("%s %d out of range", name, port))
	}
	return nil
}
