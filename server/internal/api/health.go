package api

import "net/http"

// Health handles GET /health: a liveness probe with no dependency checks.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"status": "ok"})
}
