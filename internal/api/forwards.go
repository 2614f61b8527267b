package api

import (
	"net/http"

	"github.com/orris-inc/sshfwd/internal/forward"
	"github.com/orris-inc/sshfwd/internal/logger"
)

// AddForwardRequest is the body of POST /api/forwards.
type AddForwardRequest struct {
	ConnectionID string `json:"connectionId"`
	Type         string `json:"type"`
	LocalHost    string `json:"localHost,omitempty"`
	LocalPort    int    `json:"localPort"`
	RemoteHost   string `json:"remoteHost,omitempty"`
	RemotePort   int    `json:"remotePort,omitempty"`
	Description  string `json:"description,omitempty"`
	AutoStart    bool   `json:"autoStart,omitempty"`
}

func (req AddForwardRequest) validate() error {
	if req.ConnectionID == "" {
		return badRequest("connectionId is required")
	}
	if !forward.Type(req.Type).Valid() {
		return badRequest("type must be one of local, remote, dynamic")
	}
	if req.LocalPort < 0 || req.LocalPort > 65535 {
		return badRequest("localPort %d out of range", req.LocalPort)
	}
	if req.RemotePort < 0 || req.RemotePort > 65535 {
		return badRequest("remotePort %d out of range", req.RemotePort)
	}
	return nil
}

func (req AddForwardRequest) spec() forward.RuleSpec {
	return forward.RuleSpec{
		ConnectionID: req.ConnectionID,
		Type:         forward.Type(req.Type),
		LocalHost:    req.LocalHost,
		LocalPort:    req.LocalPort,
		RemoteHost:   req.RemoteHost,
		RemotePort:   req.RemotePort,
		Description:  req.Description,
		AutoStart:    req.AutoStart,
	}
}

// ConnectionRequest names the SSH connection to act on.
type ConnectionRequest struct {
	ConnectionID string `json:"connectionId"`
}

func (s *Server) listForwards(w http.ResponseWriter, r *http.Request) {
	rules := s.svc.ListForwards(r.URL.Query().Get("connectionId"))
	if rules == nil {
		rules = []forward.Rule{}
	}
	writeData(w, http.StatusOK, rules)
}

func (s *Server) addForward(w http.ResponseWriter, r *http.Request) {
	var req AddForwardRequest
	if err := decode(w, r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	rule, err := s.svc.AddForward(req.spec())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, rule)
}

func (s *Server) getForward(w http.ResponseWriter, r *http.Request) {
	rule, err := s.svc.GetForward(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, rule)
}

func (s *Server) updateForward(w http.ResponseWriter, r *http.Request) {
	var u forward.RuleUpdate
	if err := decode(w, r, &u, false); err != nil {
		writeError(w, err)
		return
	}

	rule, err := s.svc.UpdateForward(r.Context(), r.PathValue("id"), u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, rule)
}

func (s *Server) deleteForward(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteForward(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

// startForward starts a rule over the connection named in the body, or
// the rule's own connection. A different connection is saved on the rule
// before starting.
func (s *Server) startForward(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req ConnectionRequest
	if err := decode(w, r, &req, true); err != nil {
		writeError(w, err)
		return
	}

	rule, err := s.svc.GetForward(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.ConnectionID != "" && req.ConnectionID != rule.ConnectionID {
		logger.Info("forward connection changed on start", "forward_id", id, "connection_id", req.ConnectionID)
		rule, err = s.svc.UpdateForward(r.Context(), id, forward.RuleUpdate{ConnectionID: &req.ConnectionID})
		if err != nil {
			writeError(w, err)
			return
		}
	}

	client, err := s.conns.Client(r.Context(), rule.ConnectionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.StartForward(r.Context(), id, client); err != nil {
		writeError(w, err)
		return
	}

	rule, err = s.svc.GetForward(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, rule)
}

func (s *Server) stopForward(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.StopForward(id); err != nil {
		writeError(w, err)
		return
	}
	rule, err := s.svc.GetForward(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, rule)
}
