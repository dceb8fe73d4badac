package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/httpx"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/iam"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/token"
)

type tokenView struct {
	TokenID     string     `json:"token_id"`
	Policy      string     `json:"policy"`
	Scopes      []string   `json:"scopes"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

func newTokenView(t *models.IssuedToken) tokenView {
	v := tokenView{
		TokenID:    t.TokenID,
		Policy:     t.Policy,
		Scopes:     t.ScopeList(),
		CreatedAt:  t.CreatedAt,
		ExpiresAt:  t.ExpiresAt,
		LastUsedAt: t.LastUsedAt,
	}
	if t.UserAgent != nil {
		v.Description = *t.UserAgent
	}
	return v
}

type createTokenRequest struct {
	Scopes      []string `json:"scopes"`
	ExpiryHours int      `json:"expiry_hours"`
	Description string   `json:"description"`
}

type createTokenResponse struct {
	tokenView
	Token string `json:"token"`
}

// expiryHours applies the API token default and clamps to [1, max].
func expiryHours(requested, def, maxHours int) int {
	switch {
	case requested <= 0:
		return def
	case requested > maxHours:
		return maxHours
	}
	return requested
}

// HandleListTokens lists the user's active API tokens.
func HandleListTokens(tokens tokenService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac := auth.FromContext(r.Context())
		active, err := tokens.ListActive(r.Context(), ac.UserID(), auth.PolicyAPI)
		if err != nil {
			httpx.WriteError(w, r, logger, err)
			return
		}
		views := make([]tokenView, 0, len(active))
		for i := range active {
			views = append(views, newTokenView(&active[i]))
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"tokens": views})
	}
}

// HandleCreateToken issues an API token with scopes from the plugin catalog.
// The signed token is only returned here.
func HandleCreateToken(tokens tokenService, catalog scopeCatalog, cfg settings, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createTokenRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, r, logger, err)
			return
		}
		if len(req.Scopes) == 0 {
			httpx.Detail(w, http.StatusBadRequest, "At least one scope is required")
			return
		}
		if err := catalog.ValidateScopes(req.Scopes); err != nil {
			httpx.WriteError(w, r, logger, err)
			return
		}

		ac := auth.FromContext(r.Context())
		issued, err := tokens.Issue(r.Context(), token.IssueRequest{
			UserID:      ac.UserID(),
			Policy:      auth.PolicyAPI,
			Scopes:      req.Scopes,
			ExpiryHours: expiryHours(req.ExpiryHours, cfg.apiDefaultHours, cfg.apiMaxHours),
			ClientIP:    iam.ClientIP(r),
			UserAgent:   strings.TrimSpace(req.Description),
		})
		if err != nil {
			httpx.WriteError(w, r, logger, err)
			return
		}
		logger.Info("api token created",
			zap.String("user_id", ac.UserID()),
			zap.String("token_id", issued.Record.TokenID),
			zap.Strings("scopes", issued.Record.ScopeList()))
		httpx.WriteJSON(w, http.StatusCreated, createTokenResponse{
			tokenView: newTokenView(issued.Record),
			Token:     issued.Token,
		})
	}
}

// HandleDeleteToken revokes one of the user's tokens.
func HandleDeleteToken(tokens tokenService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac := auth.FromContext(r.Context())
		tokenID := chi.URLParam(r, "token_id")
		revoked, err := tokens.Revoke(r.Context(), tokenID, ac.UserID(), tokenMeta(r))
		if err != nil {
			httpx.WriteError(w, r, logger, err)
			return
		}
		if !revoked {
			httpx.Detail(w, http.StatusNotFound, "Token not found")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked", "token_id": tokenID})
	}
}
