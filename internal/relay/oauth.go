package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/relayhq/relay/pkg/auth"
	"github.com/relayhq/relay/pkg/tokenstore"
)

const (
	defaultOAuthScope = "read:user repo"

	githubWebURL = "https://github.com"
	githubAPIURL = "https://api.github.com"
)

// OAuthHandler runs the GitHub OAuth flow LLM clients use to obtain a bearer
// token for /mcp, and stores the resulting tokens.
type OAuthHandler struct {
	config *Config
	store  *tokenstore.Store
	http   *http.Client
	logger *slog.Logger

	// GitHub endpoints. Overridden in tests.
	webURL string
	apiURL string
}

// NewOAuthHandler creates an OAuthHandler.
func NewOAuthHandler(cfg *Config, store *tokenstore.Store, logger *slog.Logger) *OAuthHandler {
	return &OAuthHandler{
		config: cfg,
		store:  store,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger,
		webURL: githubWebURL,
		apiURL: githubAPIURL,
	}
}

// Routes mounts the OAuth endpoints on r.
func (h *OAuthHandler) Routes(r chi.Router) {
	r.Get("/.well-known/oauth-protected-resource", h.handleProtectedResource)
	r.Get("/authorize", h.handleAuthorize)
	r.Get("/auth/callback", h.handleCallback)
	r.HandleFunc("/token", h.handleToken)
	r.HandleFunc("/register", h.handleRegister)
}

func (h *OAuthHandler) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":                 h.config.PublicURL,
		"authorization_servers":    []string{h.webURL + "/login/oauth"},
		"scopes_supported":         strings.Fields(defaultOAuthScope),
		"bearer_methods_supported": []string{"header"},
		"token_endpoint_auth_methods_supported": []string{
			"client_secret_basic", "client_secret_post",
		},
	})
}

// handleAuthorize records the state and sends the browser to GitHub.
func (h *OAuthHandler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		state = uuid.NewString()
	}

	if err := h.store.PutState(r.Context(), state, defaultOAuthScope); err != nil {
		h.logger.Error("storing oauth state", "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, "server_error", "could not start authorization")
		return
	}

	q := url.Values{}
	q.Set("client_id", h.config.GitHubClientID)
	q.Set("redirect_uri", h.config.GitHubRedirectURI)
	q.Set("scope", defaultOAuthScope)
	q.Set("state", state)

	h.logger.Info("oauth authorize", "state", state, "remote", r.RemoteAddr)
	http.Redirect(w, r, h.webURL+"/login/oauth/authorize?"+q.Encode(), http.StatusFound)
}

// handleCallback redeems the state, exchanges the code, and stores the token.
// Every outcome is a redirect; failures carry ?error=<code>.
func (h *OAuthHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code, state := q.Get("code"), q.Get("state")

	if e := q.Get("error"); e != "" {
		h.logger.Warn("oauth callback error from provider", "error", e)
		h.redirectError(w, r, e)
		return
	}
	if code == "" || state == "" {
		h.redirectError(w, r, "missing_code_or_state")
		return
	}

	scope, ok, err := h.store.TakeState(r.Context(), state)
	if err != nil {
		h.logger.Error("redeeming oauth state", "error", err)
		h.redirectError(w, r, "server_error")
		return
	}
	if !ok {
		h.logger.Warn("oauth callback with unknown state", "state", state)
		h.redirectError(w, r, "invalid_state")
		return
	}

	tok, err := h.exchange(r.Context(), code, state)
	if err != nil {
		h.logger.Error("oauth exchange failed", "error", err)
		h.redirectError(w, r, "oauth_exchange_failed")
		return
	}
	if tok.Scope == "" {
		tok.Scope = scope
	}
	if err := h.store.Save(r.Context(), *tok); err != nil {
		h.logger.Error("saving oauth token", "error", err)
		h.redirectError(w, r, "oauth_exchange_failed")
		return
	}
	h.logger.Info("oauth token saved", "login", tok.Login)

	params := url.Values{}
	params.Set("success", "true")
	params.Set("code", code)
	params.Set("state", state)
	params.Set("scope", tok.Scope)
	http.Redirect(w, r, h.clientRedirect()+"?"+params.Encode(), http.StatusFound)
}

// exchange trades an authorization code for an access token and fetches
// the user it belongs to.
func (h *OAuthHandler) exchange(ctx context.Context, code, state string) (*tokenstore.Token, error) {
	body, err := json.Marshal(map[string]string{
		"client_id":     h.config.GitHubClientID,
		"client_secret": h.config.GitHubClientSecret,
		"code":          code,
		"state":         state,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.webURL+"/login/oauth/access_token", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting access token: %w", err)
	}
	defer resp.Body.Close()

	var granted struct {
		AccessToken      string `json:"access_token"`
		TokenType        string `json:"token_type"`
		Scope            string `json:"scope"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&granted); err != nil {
		return nil, fmt.Errorf("decoding access token response (%s): %w", resp.Status, err)
	}
	if granted.AccessToken == "" {
		if granted.Error != "" {
			return nil, fmt.Errorf("no access token received: %s %s", granted.Error, granted.ErrorDescription)
		}
		return nil, errors.New("no access token received")
	}

	user, login, err := h.fetchUser(ctx, granted.AccessToken)
	if err != nil {
		return nil, err
	}

	return &tokenstore.Token{
		AccessToken: granted.AccessToken,
		TokenType:   granted.TokenType,
		Scope:       granted.Scope,
		User:        user,
		Login:       login,
	}, nil
}

func (h *OAuthHandler) fetchUser(ctx context.Context, accessToken string) (json.RawMessage, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.apiURL+"/user", nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetching user: %s", resp.Status)
	}

	var user json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, "", fmt.Errorf("decoding user: %w", err)
	}
	var who struct {
		Login string `json:"login"`
	}
	_ = json.Unmarshal(user, &who) // non-object users fall back to the default login
	return user, who.Login, nil
}

// handleToken answers the client's authorization_code grant with the token
// stored by the callback.
func (h *OAuthHandler) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	grantType, code := r.Form.Get("grant_type"), r.Form.Get("code")
	if grantType != "authorization_code" || code == "" {
		h.logger.Warn("token request with unsupported grant", "grant_type", grantType)
		writeErrorJSON(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}

	clientID, clientSecret, hasBasic := r.BasicAuth()
	if !hasBasic {
		clientID, clientSecret = r.Form.Get("client_id"), r.Form.Get("client_secret")
	}
	if clientID != "" && clientID != h.config.GitHubClientID {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_client", "")
		return
	}
	if clientSecret != "" && clientSecret != h.config.GitHubClientSecret {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_client_secret", "")
		return
	}

	tok, err := h.store.Any(r.Context())
	if err != nil {
		h.logger.Error("reading stored token", "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	if tok == nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_grant", "no token has been issued; complete /authorize first")
		return
	}

	scope := tok.Scope
	if scope == "" {
		scope = defaultOAuthScope
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": tok.AccessToken,
		"token_type":   "Bearer",
		"scope":        scope,
	})
}

// handleRegister rejects dynamic client registration.
func (h *OAuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	h.logger.Debug("client registration attempted", "fields", len(r.Form))
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":    "not_implemented",
		"received": r.Form,
	})
}

func (h *OAuthHandler) clientRedirect() string {
	if h.config.ClientRedirectURI != "" {
		return h.config.ClientRedirectURI
	}
	return "/"
}

func (h *OAuthHandler) redirectError(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, h.clientRedirect()+"?error="+url.QueryEscape(code), http.StatusFound)
}

// ─────────────────────────────────────────────────────────────────────────────
// Bearer authentication for /mcp and /relay
// ─────────────────────────────────────────────────────────────────────────────

// bearerAuth admits a request when its bearer token is a stored OAuth access
// token or verifies against the relay API key hash. When neither OAuth nor
// an API key is configured the endpoint is open.
type bearerAuth struct {
	store    *tokenstore.Store // nil when OAuth is disabled
	verifier *auth.Verifier
	logger   *slog.Logger
}

func (a *bearerAuth) open() bool {
	return a.store == nil && !a.verifier.Configured()
}

// authorize reports whether token grants access. The error is set only when
// the token store could not be consulted.
func (a *bearerAuth) authorize(ctx context.Context, token string) (bool, error) {
	if a.open() {
		return true, nil
	}
	if token == "" {
		return false, nil
	}

	if a.verifier.Configured() && auth.LooksLikeRelayKey(token) {
		if valid, err := a.verifier.Verify(token); err == nil && valid {
			return true, nil
		}
	}

	if a.store != nil {
		tok, err := a.store.Lookup(ctx, token)
		if err != nil {
			return false, err
		}
		return tok != nil, nil
	}
	return false, nil
}

func (a *bearerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" && !a.open() {
			writeErrorJSON(w, http.StatusUnauthorized, "authentication_error", "access token required")
			return
		}

		ok, err := a.authorize(r.Context(), token)
		if err != nil {
			a.logger.Error("looking up access token", "error", err)
			writeErrorJSON(w, http.StatusServiceUnavailable, "server_error", "token store unavailable")
			return
		}
		if !ok {
			a.logger.Warn("rejected MCP request", "remote", r.RemoteAddr)
			writeErrorJSON(w, http.StatusUnauthorized, "authentication_error", "invalid access token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
