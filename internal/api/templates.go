package api

import (
	"net/http"

	"github.com/orris-inc/sshfwd/internal/forward"
)

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var templates []forward.Template
	switch {
	case q.Get("tag") != "":
		templates = s.svc.TemplatesByTag(q.Get("tag"))
	case q.Has("q"):
		templates = s.svc.SearchTemplates(q.Get("q"))
	default:
		templates = s.svc.ListTemplates()
	}
	if templates == nil {
		templates = []forward.Template{}
	}
	writeData(w, http.StatusOK, templates)
}

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	var spec forward.TemplateSpec
	if err := decode(w, r, &spec, false); err != nil {
		writeError(w, err)
		return
	}
	if !spec.Type.Valid() {
		writeError(w, badRequest("type must be one of local, remote, dynamic"))
		return
	}

	t, err := s.svc.CreateTemplate(spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, t)
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetTemplate(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, t)
}

func (s *Server) updateTemplate(w http.ResponseWriter, r *http.Request) {
	var u forward.TemplateUpdate
	if err := decode(w, r, &u, false); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.svc.UpdateTemplate(r.PathValue("id"), u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, t)
}

func (s *Server) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteTemplate(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (s *Server) instantiateTemplate(w http.ResponseWriter, r *http.Request) {
	var req ConnectionRequest
	if err := decode(w, r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	if req.ConnectionID == "" {
		writeError(w, badRequest("connectionId is required"))
		return
	}

	rule, err := s.svc.CreateForwardFromTemplate(r.PathValue("id"), req.ConnectionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, rule)
}
