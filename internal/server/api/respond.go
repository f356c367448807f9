package api

import (
	"encoding/json"
	"net/http"

	"github.com/stormcloudapp/stormcloud/internal/logging"
)

// respondSuccess writes the standard success envelope: a
// "<request_type>-response" marker plus any payload fields.
func respondSuccess(w http.ResponseWriter, requestType string, payload map[string]any) {
	body := map[string]any{requestType + "-response": "ok"}
	for k, v := range payload {
		body[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("Failed to encode response: %v", err)
	}
}

// respondError writes {error} with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		logging.Error("Failed to encode error response: %v", err)
	}
}

func respondUnauthorized(w http.ResponseWriter) {
	respondError(w, http.StatusUnauthorized, "invalid credentials")
}

func respondBadRequest(w http.ResponseWriter, message string) {
	respondError(w, http.StatusBadRequest, message)
}

func respondInternalError(w http.ResponseWriter, err error) {
	logging.Error("Internal error: %v", err)
	respondError(w, http.StatusInternalServerError, "internal server error")
}
