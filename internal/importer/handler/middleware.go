package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const ownerKey contextKey = "owner_id"

// OwnerHeader carries the authenticated owner id, set by the edge proxy
// after it verifies the session.
const OwnerHeader = "X-Owner-ID"

// RequireOwner rejects requests without a parseable owner id and stores the
// id in the request context for the handlers.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(OwnerHeader))
		if err != nil || id == uuid.Nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"missing or invalid owner identity"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey, id)))
	})
}

func ownerID(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ownerKey).(uuid.UUID)
	return id
}
