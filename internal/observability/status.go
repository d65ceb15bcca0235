package observability

import (
	"encoding/json"
	"net/http"
	"time"

	"spotbot/internal/domain"
)

// StatusSnapshot is the read-only view served at /status.
type StatusSnapshot struct {
	SessionState  string             `json:"session_state"`
	OpenPositions []*domain.Position `json:"open_positions"`
	RiskState     domain.RiskState   `json:"risk_state"`
	GeneratedAt   time.Time          `json:"generated_at"`
}

// StatusHandler serves JSON snapshots produced by fn on each request.
func StatusHandler(fn func() StatusSnapshot) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := fn()
		snap.GeneratedAt = time.Now().UTC()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
