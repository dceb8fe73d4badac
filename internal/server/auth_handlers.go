package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/httpx"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/iam"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/passkey"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/token"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/session"
)

type registerBeginRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

type loginBeginRequest struct {
	Username string `json:"username"`
}

// loginResponse answers a finished ceremony. The token is also set as the
// access_token cookie.
type loginResponse struct {
	Status    string    `json:"status"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func requestSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess := session.FromContext(r.Context())
	if sess == nil {
		httpx.Detail(w, http.StatusServiceUnavailable, "Session store unavailable")
		return nil, false
	}
	return sess, true
}

func passkeyMeta(r *http.Request) passkey.RequestMeta {
	return passkey.RequestMeta{ClientIP: iam.ClientIP(r), UserAgent: r.UserAgent()}
}

func tokenMeta(r *http.Request) token.RequestMeta {
	return token.RequestMeta{ClientIP: iam.ClientIP(r), UserAgent: r.UserAgent()}
}

func writeOptions(w http.ResponseWriter, options json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(options)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, httpx.MaxBodyBytes))
	if err != nil || len(body) == 0 {
		httpx.Detail(w, http.StatusBadRequest, "Request body is required")
		return nil, false
	}
	return body, true
}

func finishLogin(w http.ResponseWriter, res *passkey.Result, secure bool) {
	http.SetCookie(w, auth.AccessTokenCookie(res.Token.Token, secure))
	httpx.WriteJSON(w, http.StatusOK, loginResponse{
		Status:    "success",
		UserID:    res.User.ID,
		Username:  res.User.Username,
		Token:     res.Token.Token,
		ExpiresAt: res.Token.Record.ExpiresAt,
	})
}

// HandleRegisterBegin returns the WebAuthn creation options for a new user.
func HandleRegisterBegin(svc passkeyService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := requestSession(w, r)
		if !ok {
			return
		}
		var req registerBeginRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, r, logger, err)
			return
		}
		options, err := svc.BeginRegistration(r.Context(), sess, req.Username, req.DisplayName)
		if err != nil {
			httpx.WriteError(w, r, logger, err)
			return
		}
		writeOptions(w, options)
	}
}

// HandleRegisterComplete verifies the attestation, creates the user and logs
// it in.
func HandleRegisterComplete(svc passkeyService, secure bool, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := requestSession(w, r)
		if !ok {
			return
		}
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		res, err := svc.FinishRegistration(r.Context(), sess, body, passkeyMeta(r))
		if err != nil {
			httpx.WriteError(w, r, logger, err)
			return
		}
		finishLogin(w, res, secure)
	}
}

// HandleLoginBegin returns the WebAuthn request options for a user.
func HandleLoginBegin(svc passkeyService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := requestSession(w, r)
		if !ok {
			return
		}
		var req loginBeginRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, r, logger, err)
			return
		}
		options, err := svc.BeginLogin(r.Context(), sess, req.Username)
		if err != nil {
			httpx.WriteError(w, r, logger, err)
			return
		}
		writeOptions(w, options)
	}
}

// HandleLoginComplete verifies the assertion and logs the user in.
func HandleLoginComplete(svc passkeyService, secure bool, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := requestSession(w, r)
		if !ok {
			return
		}
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		res, err := svc.FinishLogin(r.Context(), sess, body, passkeyMeta(r))
		if err != nil {
			httpx.WriteError(w, r, logger, err)
			return
		}
		finishLogin(w, res, secure)
	}
}

// HandleLogout clears the session and revokes the passkey token the request
// carried.
func HandleLogout(tokens tokenService, secure bool, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac := auth.FromContext(r.Context())
		if ac.Token != nil {
			if _, err := tokens.Revoke(r.Context(), ac.Token.TokenID, ac.UserID(), tokenMeta(r)); err != nil {
				httpx.WriteError(w, r, logger, err)
				return
			}
		}
		if sess := session.FromContext(r.Context()); sess != nil {
			sess.Clear()
		}
		http.SetCookie(w, auth.ExpiredCookie(auth.AccessTokenCookieName, secure))
		logger.Info("user logged out", zap.String("user_id", ac.UserID()))
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
	}
}

// HandleRevokeAll revokes every token of the user except the one of the
// current request.
func HandleRevokeAll(tokens tokenService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac := auth.FromContext(r.Context())
		keep := ""
		if ac.Token != nil {
			keep = ac.Token.TokenID
		}
		n, err := tokens.RevokeAll(r.Context(), ac.UserID(), keep, tokenMeta(r))
		if err != nil {
			httpx.WriteError(w, r, logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "success", "revoked": n})
	}
}

type meResponse struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	AuthType    string    `json:"auth_type"`
	Scopes      []string  `json:"scopes"`
}

// HandleMe describes the authenticated user.
func HandleMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac := auth.FromContext(r.Context())
		if !ac.IsAuthenticated() {
			httpx.Detail(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		scopes := ac.Scopes
		if scopes == nil {
			scopes = []string{}
		}
		httpx.WriteJSON(w, http.StatusOK, meResponse{
			ID:          ac.User.ID,
			Username:    ac.User.Username,
			DisplayName: ac.User.DisplayName,
			CreatedAt:   ac.User.CreatedAt,
			AuthType:    string(ac.Type),
			Scopes:      scopes,
		})
	}
}

// HandleScopes lists every scope the plugins define and the scopes of each
// token policy.
func HandleScopes(catalog scopeCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"scopes":   catalog.AllScopes(),
			"policies": catalog.JWTPolicyScopes(),
		})
	}
}
