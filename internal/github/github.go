// Package github talks to GitHub on behalf of a signed-in user: the OAuth
// web flow and the REST endpoints for the user's profile and repositories.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"
)

// DefaultAPIURL is the public GitHub REST API.
const DefaultAPIURL = "https://api.github.com"

// maxRepoPages bounds repository pagination.
const maxRepoPages = 50

// User is the subset of the GitHub user object the backend stores.
type User struct {
	ID        int64   `json:"id"`
	Login     string  `json:"login"`
	Name      string  `json:"name,omitempty"`
	Email     *string `json:"email"`
	AvatarURL string  `json:"avatar_url"`
	HTMLURL   string  `json:"html_url,omitempty"`
}

// Repo is the subset of the GitHub repository object the backend stores.
type Repo struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	FullName    string  `json:"full_name"`
	Description *string `json:"description"`
	HTMLURL     string  `json:"html_url"`
	CloneURL    *string `json:"clone_url"`
	Language    *string `json:"language"`
	Private     bool    `json:"private"`
}

// Client is the GitHub surface used by the API server.
type Client interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (string, error)
	CurrentUser(ctx context.Context, token string) (*User, error)
	ListRepos(ctx context.Context, token string) ([]Repo, error)
}

// APIError is a non-2xx response from GitHub.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: %d %s", e.StatusCode, e.Message)
}

// Config configures a RESTClient. Empty AuthURL, TokenURL and APIURL fall
// back to github.com.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
	APIURL       string
	HTTPClient   *http.Client
}

// RESTClient implements Client with x/oauth2 and the REST v3 API.
type RESTClient struct {
	oauth      *oauth2.Config
	apiURL     string
	httpClient *http.Client
}

// NewClient returns a RESTClient for cfg.
func NewClient(cfg Config) *RESTClient {
	endpoint := oauthgithub.Endpoint
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"repo"}
	}
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &RESTClient{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		apiURL:     apiURL,
		httpClient: hc,
	}
}

// AuthCodeURL returns the GitHub authorize URL for state.
func (c *RESTClient) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for an access token.
func (c *RESTClient) Exchange(ctx context.Context, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("exchange code: empty access token")
	}
	return tok.AccessToken, nil
}

// CurrentUser fetches the user the token belongs to.
func (c *RESTClient) CurrentUser(ctx context.Context, token string) (*User, error) {
	var u User
	if _, err := c.get(ctx, token, c.apiURL+"/user", &u); err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// ListRepos fetches every repository visible to the token, most recently
// updated first, following Link pagination.
func (c *RESTClient) ListRepos(ctx context.Context, token string) ([]Repo, error) {
	var all []Repo
	next := c.apiURL + "/user/repos?per_page=100&sort=updated"
	for page := 0; next != "" && page < maxRepoPages; page++ {
		var batch []Repo
		n, err := c.get(ctx, token, next, &batch)
		if err != nil {
			return nil, fmt.Errorf("list repos: %w", err)
		}
		all = append(all, batch...)
		next = n
	}
	return all, nil
}

// get decodes a JSON GET into v and returns the rel="next" link, if any.
func (c *RESTClient) get(ctx context.Context, token, url string, v any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "token "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &msg) != nil || msg.Message == "" {
			msg.Message = strings.TrimSpace(string(body))
		}
		return "", &APIError{StatusCode: resp.StatusCode, Message: msg.Message}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return nextLink(resp.Header.Get("Link")), nil
}

// nextLink extracts the rel="next" target from an RFC 8288 Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segs := strings.Split(part, ";")
		if len(segs) < 2 {
			continue
		}
		target := strings.TrimSpace(segs[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, p := range segs[1:] {
			if strings.TrimSpace(p) == `rel="next"` {
				return target[1 : len(target)-1]
			}
		}
	}
	return ""
}
