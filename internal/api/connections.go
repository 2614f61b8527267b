package api

import (
	"net/http"

	"github.com/orris-inc/sshfwd/internal/forward"
	"github.com/orris-inc/sshfwd/internal/sshclient"
)

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.conns.Endpoints())
}

func (s *Server) connectionInfo(id string) (sshclient.ConnectionInfo, error) {
	for _, info := range s.conns.Endpoints() {
		if info.ID == id {
			return info, nil
		}
	}
	return sshclient.ConnectionInfo{}, forward.NotFoundError("connection", id)
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("connectionId")
	if _, err := s.conns.Client(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	info, err := s.connectionInfo(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, info)
}

// disconnect closes the SSH connection. Its forwards are stopped when the
// pool reports the disconnect.
func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("connectionId")
	if err := s.conns.Disconnect(id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.StopConnection(id); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (s *Server) autoStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("connectionId")
	client, err := s.conns.Client(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.AutoStartForwards(r.Context(), id, client)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) allTraffic(w http.ResponseWriter, r *http.Request) {
	stats := s.svc.AllTrafficStats()
	if stats == nil {
		stats = []forward.TrafficStats{}
	}
	writeData(w, http.StatusOK, stats)
}

func (s *Server) traffic(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.TrafficStats(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

func (s *Server) resetTraffic(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.ResetTrafficStats(id); err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.svc.TrafficStats(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st := s.collector.Collect(r.Context())

	var activeConns int64
	for _, t := range s.svc.AllTrafficStats() {
		activeConns += t.ConnectionsActive
	}
	s.collector.SetEngineStats(st, s.svc.ActiveCount(), len(s.svc.ListForwards("")), activeConns)

	connected := map[string]bool{}
	for _, info := range s.conns.Endpoints() {
		connected[info.ID] = info.Connected
	}
	s.collector.SetSSHConnections(st, connected)

	writeData(w, http.StatusOK, st)
}
