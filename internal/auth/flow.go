package auth

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/wisbric/instancer/internal/config"
	"github.com/wisbric/instancer/pkg/user"
)

// stateTTL bounds how long a login attempt may sit between redirect and
// callback.
const stateTTL = 10 * time.Minute

// FlowHandler implements the Discord OAuth2 Authorization Code flow:
// redirect out, exchange the code, gate on guild membership, upsert the
// user, and issue a session cookie.
type FlowHandler struct {
	oauth2Cfg *oauth2.Config
	serverID  string
	users     *user.Store
	sessions  *SessionStore
	logger    *slog.Logger

	mu     sync.Mutex
	states map[string]time.Time
}

// NewFlowHandler creates the login flow handler from the Discord
// configuration.
func NewFlowHandler(cfg config.Discord, users *user.Store, sessions *SessionStore, logger *slog.Logger) *FlowHandler {
	return &FlowHandler{
		oauth2Cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       DiscordScopes,
			Endpoint:     DiscordEndpoint,
		},
		serverID: cfg.ServerID,
		users:    users,
		sessions: sessions,
		logger:   logger,
		states:   make(map[string]time.Time),
	}
}

// HandleLogin redirects the user to Discord.
func (h *FlowHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()

	h.mu.Lock()
	now := time.Now()
	for s, issued := range h.states {
		if now.Sub(issued) > stateTTL {
			delete(h.states, s)
		}
	}
	h.states[state] = now
	h.mu.Unlock()

	http.Redirect(w, r, h.oauth2Cfg.AuthCodeURL(state), http.StatusFound)
}

// HandleCallback completes the flow after Discord redirects back.
func (h *FlowHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state := r.URL.Query().Get("state")
	if state == "" || !h.consumeState(state) {
		http.Error(w, "invalid or expired state", http.StatusBadRequest)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code parameter", http.StatusBadRequest)
		return
	}

	token, err := h.oauth2Cfg.Exchange(ctx, code)
	if err != nil {
		h.logger.Warn("oauth2 code exchange failed", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	discord := NewDiscordClient(token.AccessToken)

	member, err := discord.MemberOf(ctx, h.serverID)
	if err != nil {
		h.logger.Error("checking guild membership", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "forbidden: not a member of the required server", http.StatusForbidden)
		return
	}

	profile, err := discord.CurrentUser(ctx)
	if err != nil {
		h.logger.Error("fetching discord profile", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	existing, err := h.users.Fetch(ctx, profile.ID)
	if err != nil {
		h.logger.Error("fetching user", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if existing == nil {
		err = h.users.Insert(ctx, user.User{
			ID:           profile.ID,
			Username:     profile.Username,
			DisplayName:  profile.GlobalName,
			Avatar:       profile.Avatar,
			CreationTime: time.Now(),
		})
		if err != nil {
			h.logger.Error("inserting user", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		h.logger.Info("registered new user", "user", profile.ID, "username", profile.Username)
	}

	sessionToken, err := h.sessions.Create(ctx, profile.ID)
	if err != nil {
		h.logger.Error("creating session", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sessionToken,
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

// HandleLogout deletes the session and clears the cookie.
func (h *FlowHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		if err := h.sessions.Delete(r.Context(), cookie.Value); err != nil {
			h.logger.Error("deleting session", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

// consumeState validates and removes a login state token.
func (h *FlowHandler) consumeState(state string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	issued, ok := h.states[state]
	if !ok {
		return false
	}
	delete(h.states, state)
	return time.Since(issued) <= stateTTL
}
