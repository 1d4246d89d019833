package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type contextKey string

const OperatorIDKey contextKey = "operator_id"

// OperatorHeader names the operator on whose behalf a request is made.
const OperatorHeader = "X-Operator-ID"

// Operator middleware extracts the optional operator ID from the header.
// A malformed ID is rejected; a missing one is allowed.
func Operator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operatorIDStr := r.Header.Get(OperatorHeader)
		if operatorIDStr == "" {
			next.ServeHTTP(w, r)
			return
		}

		operatorID, err := uuid.Parse(operatorIDStr)
		if err != nil {
			log.Warn().Err(err).Str("operator_id", operatorIDStr).Msg("Invalid operator ID")
			http.Error(w, "Invalid X-Operator-ID format", http.StatusBadRequest)
			return
		}

		// Add operator ID to context
		ctx := context.WithValue(r.Context(), OperatorIDKey, operatorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetOperatorID extracts operator ID from context
func GetOperatorID(ctx context.Context) (uuid.UUID, bool) {
	operatorID, ok := ctx.Value(OperatorIDKey).(uuid.UUID)
	return operatorID, ok
}
