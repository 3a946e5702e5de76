package api

import (
	"net/http"
)

func (s *Server) loginGitHub(w http.ResponseWriter, r *http.Request) {
	state, err := s.sessions.NewState(w)
	if err != nil {
		s.logger.Error("oauth state", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to start login")
		return
	}
	http.Redirect(w, r, s.gh.AuthCodeURL(state), http.StatusFound)
}

func (s *Server) githubCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Redirect(w, r, "/?error=missing_code", http.StatusFound)
		return
	}
	if !s.sessions.CheckState(w, r, r.URL.Query().Get("state")) {
		http.Redirect(w, r, "/?error=invalid_state", http.StatusFound)
		return
	}

	token, err := s.gh.Exchange(r.Context(), code)
	if err != nil {
		s.logger.Warn("github token exchange failed", "error", err)
		http.Redirect(w, r, "/?error=token_exchange_failed", http.StatusFound)
		return
	}
	if err := s.sessions.Set(w, token); err != nil {
		s.logger.Error("set session", "error", err)
		http.Redirect(w, r, "/?error=token_exchange_failed", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessions.Token(r); err != nil {
		http.Redirect(w, r, "/login/github", http.StatusFound)
		return
	}
	if s.opts.UI == nil {
		http.NotFound(w, r)
		return
	}
	s.opts.UI.ServeHTTP(w, r)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	token, err := s.sessions.Token(r)
	if err != nil {
		http.Redirect(w, r, "/login/github", http.StatusFound)
		return
	}
	u, err := s.gh.CurrentUser(r.Context(), token)
	if err != nil {
		s.logger.Warn("fetch github user", "error", err)
		http.Redirect(w, r, "/?error=failed_to_fetch_user", http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}
