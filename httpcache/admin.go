package httpcache

import (
	"encoding/json"
	"net/http"
)

// AdminHandler exposes the operational surface for the cache layer. Mount it
// behind the host's operator authentication; the deny list keeps these paths
// out of the response cache but not out of reach.
//
//	GET  /stats             counters + rolling average response time
//	POST /stats/reset       explicit counter reset
//	GET  /health            remote reachability, breaker state, L1 size
//	POST /invalidate        ?pattern=<glob>
//	POST /invalidate-route  ?path=<prefix>
//	POST /invalidate-user   ?user=<id>
func (rc *ResponseCache) AdminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, rc.mgr.Stats())
	})

	mux.HandleFunc("POST /stats/reset", func(w http.ResponseWriter, r *http.Request) {
		rc.mgr.ResetStats()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		// always 200: an unhealthy remote tier is degradation, not an
		// outage; the body carries the detail
		writeJSON(w, http.StatusOK, rc.mgr.HealthCheck(r.Context()))
	})

	mux.HandleFunc("POST /invalidate", func(w http.ResponseWriter, r *http.Request) {
		pattern := r.URL.Query().Get("pattern")
		if pattern == "" {
			http.Error(w, "pattern is required", http.StatusBadRequest)
			return
		}
		n, err := rc.mgr.InvalidatePattern(r.Context(), pattern)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"invalidated": n})
	})

	mux.HandleFunc("POST /invalidate-route", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			http.Error(w, "path is required", http.StatusBadRequest)
			return
		}
		n, err := rc.InvalidateRoute(r.Context(), path)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"invalidated": n})
	})

	mux.HandleFunc("POST /invalidate-user", func(w http.ResponseWriter, r *http.Request) {
		user := r.URL.Query().Get("user")
		if user == "" {
			http.Error(w, "user is required", http.StatusBadRequest)
			return
		}
		n, err := rc.InvalidateUserCache(r.Context(), user)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"invalidated": n})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
