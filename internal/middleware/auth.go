package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/reliefnet/fieldagent/internal/auth"
)

type contextKey string

const SubjectKey contextKey = "subject"

// CookieName is the agent session cookie.
const CookieName = "agent_session"

// AuthMiddleware admits requests that carry a valid, unexpired session
// cookie. A nil signer disables the check.
func AuthMiddleware(signer *auth.Signer, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if signer == nil {
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(CookieName)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			subject, err := signer.VerifySession(cookie.Value, now())
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), SubjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
