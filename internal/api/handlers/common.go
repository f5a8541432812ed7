// Package handlers implements the REST API endpoints.
package handlers

import (
	"encoding/json"
	"net/http"
)

// DefaultUserID is used when a request carries no user header. The server
// fronts a single household account by default; multi-user deployments set
// X-User-ID from their auth proxy.
const DefaultUserID = "default"

func requestUserID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return DefaultUserID
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
