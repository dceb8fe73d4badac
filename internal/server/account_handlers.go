package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/httpx"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/plugin"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/iam"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/policy"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/vault"
)

func vaultMeta(r *http.Request) vault.RequestMeta {
	return vault.RequestMeta{ClientIP: iam.ClientIP(r), UserAgent: r.UserAgent()}
}

// HandleListAccounts lists the user's linked accounts, optionally filtered
// by ?provider=.
func HandleListAccounts(accounts accountService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac := auth.FromContext(r.Context())
		list, err := accounts.Accounts(r.Context(), ac.UserID(), r.URL.Query().Get("provider"))
		if err != nil {
			httpx.WriteError(w, r, logger, err)
			return
		}
		out := make([]plugin.LinkedAccount, 0, len(list))
		for i := range list {
			out = append(out, plugin.NewLinkedAccount(&list[i]))
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"accounts": out})
	}
}

// HandleDeleteAccount unlinks one account.
func HandleDeleteAccount(accounts accountService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac := auth.FromContext(r.Context())
		id := chi.URLParam(r, "id")
		if err := accounts.Delete(r.Context(), ac.UserID(), id, vaultMeta(r)); err != nil {
			httpx.WriteError(w, r, logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
	}
}

// HandleDeleteAccounts unlinks every account of the user for ?provider=,
// or all of them. The user keeps its passkeys and tokens.
func HandleDeleteAccounts(accounts accountService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac := auth.FromContext(r.Context())
		n, err := accounts.DeleteAll(r.Context(), ac.UserID(), r.URL.Query().Get("provider"), vaultMeta(r))
		if err != nil {
			httpx.WriteError(w, r, logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "deleted", "deleted": n})
	}
}

// HandleGetPolicy returns the policy of one account.
func HandleGetPolicy(accounts accountService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac := auth.FromContext(r.Context())
		doc, err := accounts.Policy(r.Context(), ac.UserID(), chi.URLParam(r, "id"))
		if err != nil {
			httpx.WriteError(w, r, logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, doc)
	}
}

// HandlePutPolicy replaces the policy of one account with the request body,
// or with a named template when ?template= is given.
func HandlePutPolicy(accounts accountService, engine *policy.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var raw []byte
		if name := r.URL.Query().Get("template"); name != "" && engine != nil {
			doc, err := engine.Template(name)
			if err != nil {
				httpx.WriteError(w, r, logger, err)
				return
			}
			if raw, err = json.Marshal(doc); err != nil {
				httpx.WriteError(w, r, logger, auth.Fatal("encode policy template", err))
				return
			}
		} else {
			var ok bool
			if raw, ok = readBody(w, r); !ok {
				return
			}
		}

		ac := auth.FromContext(r.Context())
		doc, err := accounts.UpdatePolicy(r.Context(), ac.UserID(), chi.URLParam(r, "id"), raw, vaultMeta(r))
		if err != nil {
			httpx.WriteError(w, r, logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, doc)
	}
}

// HandlePolicyTemplates lists the built-in policy templates.
func HandlePolicyTemplates(engine *policy.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]*policy.Document)
		for _, name := range engine.TemplateNames() {
			if doc, err := engine.Template(name); err == nil {
				out[name] = doc
			}
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"templates": out})
	}
}

// HandlePolicyOperations lists the operation catalog.
func HandlePolicyOperations(registry *policy.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"operations": registry.All(),
			"categories": policy.Categories,
		})
	}
}
