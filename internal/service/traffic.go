package service

import (
	"github.com/orris-inc/sshfwd/internal/forward"
)

// TrafficStats returns the stats of the rule with id. A rule that never
// ran reports zero stats.
func (s *Service) TrafficStats(id string) (forward.TrafficStats, error) {
	if _, err := s.registry.GetRule(id); err != nil {
		return forward.TrafficStats{}, err
	}
	stats, ok := s.traffic.Get(id)
	if !ok {
		return forward.TrafficStats{ForwardID: id}, nil
	}
	return stats, nil
}

// AllTrafficStats returns the stats of every forward that has run.
func (s *Service) AllTrafficStats() []forward.TrafficStats {
	return s.traffic.GetAll()
}

// ResetTrafficStats zeroes the byte and connection totals of id. Live
// connections stay counted.
func (s *Service) ResetTrafficStats(id string) error {
	if _, err := s.registry.GetRule(id); err != nil {
		return err
	}
	s.traffic.Reset(id)
	return nil
}
