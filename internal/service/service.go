// Package service is the single entry point for managing port forwards:
// it coordinates the registry, the running forwarders, traffic accounting
// and event delivery.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orris-inc/sshfwd/internal/events"
	"github.com/orris-inc/sshfwd/internal/forward"
	"github.com/orris-inc/sshfwd/internal/forwarder"
	"github.com/orris-inc/sshfwd/internal/logger"
	"github.com/orris-inc/sshfwd/internal/registry"
	"github.com/orris-inc/sshfwd/internal/traffic"
)

// Options configures the forwarders started by the service.
type Options struct {
	ChannelOpenTimeout time.Duration
	HandshakeTimeout   time.Duration
	DialTimeout        time.Duration
	StopTimeout        time.Duration
	CloseConnections   bool
	// PortOwner describes the process holding a local port.
	PortOwner func(port int) string
}

// running is a live forwarder. ready is closed once Start has returned;
// err holds the Start error.
type running struct {
	connectionID string
	client       forwarder.SSHClient
	fwd          forwarder.Forwarder
	ready        chan struct{}
	err          error
}

// Service manages forward rules and their live sessions.
type Service struct {
	registry *registry.Registry
	traffic  *traffic.Counter
	bus      *events.Bus
	opts     Options

	mu       sync.Mutex
	sessions map[string]*running
}

// New creates a service. No forward is started.
func New(reg *registry.Registry, counter *traffic.Counter, bus *events.Bus, opts Options) *Service {
	return &Service{
		registry: reg,
		traffic:  counter,
		bus:      bus,
		opts:     opts,
		sessions: make(map[string]*running),
	}
}

func (s *Service) forwarderOptions() forwarder.Options {
	return forwarder.Options{
		ChannelOpenTimeout: s.opts.ChannelOpenTimeout,
		HandshakeTimeout:   s.opts.HandshakeTimeout,
		DialTimeout:        s.opts.DialTimeout,
		StopTimeout:        s.opts.StopTimeout,
		CloseConnections:   s.opts.CloseConnections,
		PortOwner:          s.opts.PortOwner,
		Recorder:           s.traffic,
		OnError: func(id string, err error) {
			s.publish(events.Event{Kind: events.KindError, ForwardID: id, Message: err.Error()})
		},
		OnConnectionClosed: func(id string) {
			if stats, ok := s.traffic.Get(id); ok {
				s.publish(events.Event{Kind: events.KindTraffic, ForwardID: id, Stats: &stats})
			}
		},
	}
}

func (s *Service) publish(ev events.Event) {
	s.bus.Publish(ev)
}

// Subscribe registers an event subscriber.
func (s *Service) Subscribe(buffer int) (<-chan events.Event, func()) {
	return s.bus.Subscribe(buffer)
}

// AddForward persists a new rule. The rule is not started.
func (s *Service) AddForward(spec forward.RuleSpec) (forward.Rule, error) {
	rule, err := s.registry.CreateRule(spec)
	if err != nil {
		return forward.Rule{}, err
	}
	logger.Info("forward added", "forward_id", rule.ID, "type", rule.Type, "connection_id", rule.ConnectionID)
	return rule, nil
}

// GetForward returns the rule with id.
func (s *Service) GetForward(id string) (forward.Rule, error) {
	return s.registry.GetRule(id)
}

// ListForwards returns the rules of connectionID, or all rules.
func (s *Service) ListForwards(connectionID string) []forward.Rule {
	return s.registry.ListRules(connectionID)
}

// StartForward starts the rule with id over client. Starting a forward
// that is already running succeeds without doing anything.
func (s *Service) StartForward(ctx context.Context, id string, client forwarder.SSHClient) error {
	if client == nil {
		return &forward.ConfigError{Msg: "start " + id, Err: forward.ErrNoClient}
	}
	rule, err := s.registry.GetRule(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if r, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		<-r.ready
		return r.err
	}
	r := &running{connectionID: rule.ConnectionID, client: client, ready: make(chan struct{})}
	s.sessions[id] = r
	s.mu.Unlock()

	// The session outlives the caller's request.
	fwd, err := forwarder.New(rule, client, s.forwarderOptions())
	if err == nil {
		err = fwd.Start(context.WithoutCancel(ctx))
	}

	if err != nil {
		s.mu.Lock()
		delete(s.sessions, id)
		r.err = err
		s.mu.Unlock()
		close(r.ready)

		if _, serr := s.registry.SetStatus(id, forward.StatusError, err.Error()); serr != nil {
			logger.Error("failed to record forward status", "forward_id", id, "error", serr)
		}
		s.publish(events.Event{Kind: events.KindError, ForwardID: id, Message: err.Error()})
		logger.Warn("forward start failed", "forward_id", id, "type", rule.Type, "error", err)
		return err
	}

	s.mu.Lock()
	r.fwd = fwd
	s.mu.Unlock()
	close(r.ready)

	if _, serr := s.registry.SetStatus(id, forward.StatusActive, ""); serr != nil {
		logger.Error("failed to record forward status", "forward_id", id, "error", serr)
	}
	s.publish(events.Event{Kind: events.KindActive, ForwardID: id})
	logger.Info("forward active", "forward_id", id, "type", rule.Type, "addr", fwd.Addr())
	return nil
}

// StopForward stops the rule with id. Stopping an inactive forward
// succeeds without doing anything. Teardown failures are returned as
// *forward.TeardownError; the rule is marked inactive regardless.
func (s *Service) StopForward(id string) error {
	rule, err := s.registry.GetRule(id)
	if err != nil {
		return err
	}

	r := s.detach(id)
	if r == nil {
		if rule.Status == forward.StatusInactive {
			return nil
		}
		// A stale active or error state with no live session.
		s.markInactive(id)
		return nil
	}

	stopErr := r.fwd.Stop()
	s.markInactive(id)
	if stopErr != nil {
		return &forward.TeardownError{ForwardID: id, Err: stopErr}
	}
	return nil
}

// detach removes and returns the live session of id once it has finished
// starting. It returns nil when there is none.
func (s *Service) detach(id string) *running {
	s.mu.Lock()
	r, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	<-r.ready

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[id] != r {
		return nil
	}
	delete(s.sessions, id)
	return r
}

func (s *Service) markInactive(id string) {
	if _, err := s.registry.SetStatus(id, forward.StatusInactive, ""); err != nil && !forward.IsNotFound(err) {
		logger.Error("failed to record forward status", "forward_id", id, "error", err)
	}
	s.publish(events.Event{Kind: events.KindInactive, ForwardID: id})
	logger.Info("forward inactive", "forward_id", id)
}

// UpdateForward applies u to the rule with id. A running forward whose
// endpoints changed is restarted on the same SSH client; one moved to
// another connection is stopped.
func (s *Service) UpdateForward(ctx context.Context, id string, u forward.RuleUpdate) (forward.Rule, error) {
	prev, err := s.registry.GetRule(id)
	if err != nil {
		return forward.Rule{}, err
	}
	next, err := s.registry.UpdateRule(id, u)
	if err != nil {
		return forward.Rule{}, err
	}

	s.mu.Lock()
	r, live := s.sessions[id]
	s.mu.Unlock()
	if !live {
		return next, nil
	}

	switch {
	case next.ConnectionID != prev.ConnectionID:
		logger.Info("forward moved to another connection, stopping", "forward_id", id, "connection_id", next.ConnectionID)
		if err := s.StopForward(id); err != nil {
			logger.Warn("stop after update failed", "forward_id", id, "error", err)
		}
	case !next.EndpointsEqual(prev):
		logger.Info("forward changed, restarting", "forward_id", id)
		<-r.ready
		client := r.client
		if err := s.StopForward(id); err != nil {
			logger.Warn("stop before restart failed", "forward_id", id, "error", err)
		}
		if err := s.StartForward(ctx, id, client); err != nil {
			rule, _ := s.registry.GetRule(id)
			return rule, err
		}
	default:
		return next, nil
	}
	return s.registry.GetRule(id)
}

// DeleteForward stops the rule with id, ignoring teardown errors, and
// removes it with its traffic stats.
func (s *Service) DeleteForward(id string) error {
	if _, err := s.registry.GetRule(id); err != nil {
		return err
	}
	if err := s.StopForward(id); err != nil {
		logger.Warn("stop before delete failed", "forward_id", id, "error", err)
	}
	if err := s.registry.DeleteRule(id); err != nil {
		return err
	}
	s.traffic.Remove(id)
	logger.Info("forward deleted", "forward_id", id)
	return nil
}

// AutoStartResult reports the outcome of AutoStartForwards.
type AutoStartResult struct {
	Started []string          `json:"started"`
	Failed  map[string]string `json:"failed"`
}

// AutoStartForwards starts every auto-start rule of connectionID. A rule
// that fails is logged and skipped.
func (s *Service) AutoStartForwards(ctx context.Context, connectionID string, client forwarder.SSHClient) (AutoStartResult, error) {
	res := AutoStartResult{Started: []string{}, Failed: map[string]string{}}
	if client == nil {
		return res, &forward.ConfigError{Msg: "auto-start " + connectionID, Err: forward.ErrNoClient}
	}

	for _, rule := range s.registry.ListAutoStart(connectionID) {
		if err := s.StartForward(ctx, rule.ID, client); err != nil {
			logger.Warn("auto-start failed", "forward_id", rule.ID, "connection_id", connectionID, "error", err)
			res.Failed[rule.ID] = err.Error()
			continue
		}
		res.Started = append(res.Started, rule.ID)
	}

	logger.Info("auto-start finished", "connection_id", connectionID, "started", len(res.Started), "failed", len(res.Failed))
	return res, nil
}

// StopConnection stops every running forward of connectionID, typically
// after its SSH connection was lost.
func (s *Service) StopConnection(connectionID string) error {
	s.mu.Lock()
	var ids []string
	for id, r := range s.sessions {
		if r.connectionID == connectionID {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	return s.stopAll(ids)
}

// StopAll stops every running forward.
func (s *Service) StopAll() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	return s.stopAll(ids)
}

func (s *Service) stopAll(ids []string) error {
	var errs []error
	for _, id := range ids {
		if err := s.StopForward(id); err != nil && !errors.Is(err, forward.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ActiveCount returns the number of running forwards.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Addr returns the bound address of a running forward.
func (s *Service) Addr(id string) (string, error) {
	s.mu.Lock()
	r, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return "", forward.NewConfigError(fmt.Sprintf("forward %s is not running", id))
	}
	<-r.ready
	if r.fwd == nil {
		return "", r.err
	}
	return r.fwd.Addr(), nil
}
