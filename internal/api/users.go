package api

import (
	"errors"
	"net/http"

	"github.com/ajharris/AlphaTest/internal/models"
	"github.com/ajharris/AlphaTest/internal/store"
)

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	token, err := s.sessions.Token(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	gu, err := s.gh.CurrentUser(r.Context(), token)
	if err != nil {
		s.logger.Warn("fetch github user", "error", err)
		writeError(w, http.StatusUnauthorized, "Failed to fetch user data")
		return
	}

	u := &models.User{
		GitHubID:    gu.ID,
		Username:    gu.Login,
		Email:       gu.Email,
		AvatarURL:   gu.AvatarURL,
		AccessToken: token,
	}
	if err := s.store.UpsertUser(r.Context(), u); err != nil {
		s.logger.Error("upsert user", "github_id", gu.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save user")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":         u,
		"access_token": token,
	})
}

func (s *Server) listRepositories(w http.ResponseWriter, r *http.Request) {
	token, err := s.sessions.Token(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	u, err := s.store.GetUserByAccessToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ghRepos, err := s.gh.ListRepos(r.Context(), token)
	if err != nil {
		s.logger.Warn("fetch github repositories", "user", u.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch repositories")
		return
	}

	repos := make([]*models.Repository, 0, len(ghRepos))
	for _, gr := range ghRepos {
		repo := &models.Repository{
			GitHubID:    gr.ID,
			Name:        gr.Name,
			FullName:    gr.FullName,
			Description: gr.Description,
			HTMLURL:     gr.HTMLURL,
			CloneURL:    gr.CloneURL,
			Language:    gr.Language,
			IsPrivate:   gr.Private,
			UserID:      u.ID,
		}
		if err := s.store.UpsertRepository(r.Context(), repo); err != nil {
			s.logger.Error("upsert repository", "github_id", gr.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to save repositories")
			return
		}
		repos = append(repos, repo)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"repositories": repos,
		"count":        len(repos),
	})
}
