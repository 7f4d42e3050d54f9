package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openfarm/farm-runtime-go/internal/store"
)

type contextKey string

const OperatorContextKey contextKey = "operator"

// GetOperator returns the authenticated operator id, or "" outside the
// middleware.
func GetOperator(ctx context.Context) string {
	if operator, ok := ctx.Value(OperatorContextKey).(string); ok {
		return operator
	}
	return ""
}

// OperatorMiddleware admits only allowlisted operators. An operator passes
// when its id appears in the static config list or in the stored whitelist.
type OperatorMiddleware struct {
	whitelist store.WhitelistRepository
	static    map[string]struct{}
}

func NewOperatorMiddleware(whitelist store.WhitelistRepository, allowed []string) *OperatorMiddleware {
	static := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		id = strings.TrimSpace(id)
		if id != "" {
			static[id] = struct{}{}
		}
	}
	return &OperatorMiddleware{whitelist: whitelist, static: static}
}

func (m *OperatorMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator := strings.TrimSpace(r.Header.Get("X-Operator-Id"))
		if operator == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing X-Operator-Id header",
			})
			return
		}

		if _, ok := m.static[operator]; !ok {
			allowed, err := m.whitelist.Contains(r.Context(), store.WhitelistUser, operator)
			if err != nil {
				log.Error().Err(err).Msg("operator middleware: whitelist lookup failed")
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "Authentication failed",
				})
				return
			}
			if !allowed {
				log.Warn().Str("operator", operator).Msg("operator middleware: rejected")
				writeJSON(w, http.StatusForbidden, map[string]string{
					"error": "Operator not allowlisted",
				})
				return
			}
		}

		ctx := context.WithValue(r.Context(), OperatorContextKey, operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
