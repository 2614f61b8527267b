package agent

import (
	"time"

	"github.com/orris-inc/sshfwd/internal/forward"
	"github.com/orris-inc/sshfwd/internal/logger"
)

func (a *Agent) trafficLoop() {
	defer a.wg.Done()

	if a.cfg.TrafficLogInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.TrafficLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.reportTraffic("traffic")
		}
	}
}

// reportTraffic logs the totals of every forward that moved bytes.
func (a *Agent) reportTraffic(msg string) {
	var (
		items             []forward.TrafficStats
		totalIn, totalOut int64
		activeConns       int64
	)
	for _, s := range a.svc.AllTrafficStats() {
		if s.BytesIn == 0 && s.BytesOut == 0 {
			continue
		}
		items = append(items, s)
		totalIn += s.BytesIn
		totalOut += s.BytesOut
		activeConns += s.ConnectionsActive
	}

	if len(items) == 0 {
		return
	}

	for _, s := range items {
		logger.Debug(msg,
			"forward_id", s.ForwardID,
			"bytes_in", s.BytesIn,
			"bytes_out", s.BytesOut,
			"connections", s.ConnectionsTotal)
	}
	logger.Info(msg,
		"forwards", len(items),
		"active_forwards", a.svc.ActiveCount(),
		"active_connections", activeConns,
		"bytes_in", totalIn,
		"bytes_out", totalOut)
}
