package relay

import (
	"encoding/json"
	"net/http"
	"strings"
)

// errorBody is the JSON shape of every non-MCP error the relay writes.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// writeErrorJSON writes {"error": errType, "error_description": message}.
func writeErrorJSON(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorBody{Error: errType, ErrorDescription: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// extractBearerToken returns the token from "Authorization: Bearer <token>",
// or "" when the header is missing or uses another scheme.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// wantsEventStream reports whether the client accepts text/event-stream and
// nothing else, in which case MCP responses are sent as SSE.
func wantsEventStream(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return false
	}
	sawStream := false
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch strings.ToLower(mediaType) {
		case "text/event-stream":
			sawStream = true
		case "":
		default:
			return false
		}
	}
	return sawStream
}
