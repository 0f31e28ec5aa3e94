package health

import (
	"context"
	"encoding/json"
	"net/http"
)

type ReadinessReporter interface {
	Readiness(ctx context.Context) (ready bool, components []string)
}

func Readiness(rr ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status     string   `json:"status"`
			Components []string `json:"components,omitempty"`
		}
		ready, components := rr.Readiness(r.Context())
		out := resp{Status: "not_ready"}
		if ready {
			out.Status = "ready"
			out.Components = components
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
