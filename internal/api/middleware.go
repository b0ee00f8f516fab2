package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/xkilldash9x/hostaudit/api/schemas"
)

// Identity headers set by the fronting gateway.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	RoleAdmin      = "admin"
)

type requesterKey struct{}

// Identity resolves the requester from the gateway headers and rejects
// requests without a valid user id.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(HeaderUserID)), 10, 64)
		if err != nil || id <= 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "missing or invalid " + HeaderUserID})
			return
		}
		req := schemas.Requester{
			UserID:  id,
			IsAdmin: strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderUserRole)), RoleAdmin),
		}
		next.ServeHTTP(w, r.WithContext(WithRequester(r.Context(), req)))
	})
}

func WithRequester(ctx context.Context, req schemas.Requester) context.Context {
	return context.WithValue(ctx, requesterKey{}, req)
}

// RequesterFrom returns the zero Requester when none is set.
func RequesterFrom(ctx context.Context) schemas.Requester {
	req, _ := ctx.Value(requesterKey{}).(schemas.Requester)
	return req
}
