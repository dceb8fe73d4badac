package telegram

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/httpx"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/middleware"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/plugin"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/iam"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/session"
)

const maxMessageLength = 4096

// Session keys of a pending phone sign-in.
const (
	keyPhone    = "telegram_phone"
	keyCodeHash = "telegram_code_hash"
	keySession  = "telegram_session"
)

func (p *Plugin) MountPath() string { return "/telegram" }

func (p *Plugin) AuthRequirements() map[string][]string {
	return map[string][]string{
		"/accounts":   {auth.PolicyPasskey},
		"/auth/*":     {auth.PolicyPasskey},
		"/channels":   {auth.PolicyAPI},
		"/channels/*": {auth.PolicyAPI},
	}
}

func (p *Plugin) Routes(deps plugin.Deps) http.Handler {
	h := &handler{gateway: p.gateway, vault: deps.Vault, logger: deps.Log()}
	r := chi.NewRouter()
	r.Post("/accounts", h.linkSession)
	r.Post("/auth/request-code", h.requestCode)
	r.Post("/auth/verify-code", h.verifyCode)
	r.With(middleware.RequireScopes(ScopeRead)).Get("/channels", h.channels)
	r.With(middleware.RequireScopes(ScopePostAny, ScopePostSpecific)).Post("/channels/{id}/messages", h.sendMessage)
	return r
}

type handler struct {
	gateway *Gateway
	vault   plugin.Vault
	logger  *zap.Logger
}

type linkResponse struct {
	Status  string               `json:"status"`
	Account plugin.LinkedAccount `json:"account"`
}

func (h *handler) link(w http.ResponseWriter, r *http.Request, c Credentials) {
	raw, err := json.Marshal(c)
	if err != nil {
		httpx.WriteError(w, r, h.logger, auth.Fatal("encode telegram credentials", err))
		return
	}
	ac := auth.FromContext(r.Context())
	account, err := h.vault.Link(r.Context(), plugin.LinkRequest{
		UserID:    ac.UserID(),
		Service:   Provider,
		Raw:       string(raw),
		ClientIP:  iam.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, linkResponse{Status: "success", Account: plugin.NewLinkedAccount(account)})
}

// linkSession links an existing session string.
func (h *handler) linkSession(w http.ResponseWriter, r *http.Request) {
	var body Credentials
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	if strings.TrimSpace(body.SessionString) == "" {
		httpx.Detail(w, http.StatusBadRequest, "session_string is required")
		return
	}
	h.link(w, r, body)
}

func (h *handler) requestCode(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if sess == nil {
		httpx.Detail(w, http.StatusServiceUnavailable, "Session store unavailable")
		return
	}
	var body struct {
		PhoneNumber string `json:"phone_number"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	phone := strings.TrimSpace(body.PhoneNumber)
	if phone == "" {
		httpx.Detail(w, http.StatusBadRequest, "phone_number is required")
		return
	}
	pending, err := h.gateway.RequestCode(r.Context(), phone)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	sess.Set(keyPhone, phone)
	sess.Set(keyCodeHash, pending.PhoneCodeHash)
	sess.Set(keySession, pending.SessionString)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *handler) verifyCode(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	var body struct {
		PhoneNumber string `json:"phone_number"`
		Code        string `json:"code"`
		Password    string `json:"password"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	if sess == nil || sess.Get(keyPhone) == "" || sess.Get(keyPhone) != strings.TrimSpace(body.PhoneNumber) {
		httpx.Detail(w, http.StatusBadRequest, "No pending verification for this phone number")
		return
	}
	if body.Code == "" {
		httpx.Detail(w, http.StatusBadRequest, "code is required")
		return
	}

	creds, err := h.gateway.SignIn(r.Context(), SignIn{
		PhoneNumber:   sess.Get(keyPhone),
		Code:          body.Code,
		PhoneCodeHash: sess.Get(keyCodeHash),
		SessionString: sess.Get(keySession),
		Password:      body.Password,
	})
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	sess.Delete(keyPhone)
	sess.Delete(keyCodeHash)
	sess.Delete(keySession)
	h.link(w, r, *creds)
}

func (h *handler) open(w http.ResponseWriter, r *http.Request, op string) (Credentials, bool) {
	ac := auth.FromContext(r.Context())
	_, raw, err := h.vault.Authorize(r.Context(), ac.UserID(), Provider, op)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return Credentials{}, false
	}
	c, err := decode(raw)
	if err != nil {
		httpx.WriteError(w, r, h.logger, auth.Fatal("decode telegram credentials", err))
		return Credentials{}, false
	}
	return c, true
}

func (h *handler) channels(w http.ResponseWriter, r *http.Request) {
	c, ok := h.open(w, r, OperationListChannels)
	if !ok {
		return
	}
	channels, err := h.gateway.Channels(r.Context(), c.SessionString)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	if channels == nil {
		channels = []Channel{}
	}
	httpx.WriteJSON(w, http.StatusOK, channels)
}

type messageResponse struct {
	Status    string `json:"status"`
	MessageID int64  `json:"message_id"`
}

// sendMessage posts to a chat. Tokens holding only telegram.post_specific
// may post to channels the account belongs to and nowhere else.
func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	if _, err := strconv.ParseInt(chatID, 10, 64); err != nil {
		httpx.Detail(w, http.StatusBadRequest, "Channel id must be numeric")
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		httpx.Detail(w, http.StatusBadRequest, "text is required")
		return
	}
	if utf8.RuneCountInString(body.Text) > maxMessageLength {
		httpx.Detail(w, http.StatusBadRequest, "Message is too long")
		return
	}

	c, ok := h.open(w, r, OperationSendMessage)
	if !ok {
		return
	}
	ac := auth.FromContext(r.Context())
	if !ac.HasAnyScope(ScopePostAny) {
		channels, err := h.gateway.Channels(r.Context(), c.SessionString)
		if err != nil {
			httpx.WriteError(w, r, h.logger, err)
			return
		}
		if !slices.ContainsFunc(channels, func(ch Channel) bool { return ch.ID == chatID }) {
			httpx.Detail(w, http.StatusForbidden, "Channel "+chatID+" is not available to this token")
			return
		}
	}

	id, err := h.gateway.SendMessage(r.Context(), c.SessionString, chatID, body.Text)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	h.logger.Info("telegram message sent", zap.String("user_id", ac.UserID()), zap.String("chat_id", chatID))
	httpx.WriteJSON(w, http.StatusCreated, messageResponse{Status: "success", MessageID: id})
}
