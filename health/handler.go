package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the aggregated health status as JSON. Unhealthy aggregates
// return 503 so load balancers and orchestrators can act on the status code;
// degraded still returns 200.
func Handler(m *Monitor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := m.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(status)
	})
}
