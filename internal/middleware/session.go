package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/httpx"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/session"
)

// Session loads the browser session into the request context and saves it
// when the response is committed.
func Session(store session.Store, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := store.Load(r)
			if err != nil {
				logger.Error("session load failed", zap.Error(err))
				httpx.Detail(w, http.StatusServiceUnavailable, "Session store unavailable")
				return
			}
			ctx := session.WithSession(r.Context(), sess)

			cw := newCommitWriter(w, func() {
				if err := store.Save(ctx, w, sess); err != nil {
					logger.Error("session save failed", zap.Error(err))
				}
			})
			next.ServeHTTP(cw, r.WithContext(ctx))
			cw.commit()
		})
	}
}
