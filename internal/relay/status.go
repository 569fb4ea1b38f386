package relay

import (
	"encoding/json"
	"net/http"
)

// statusTunnel is one row of the /status response body.
type statusTunnel struct {
	Subdomain    string `json:"subdomain"`
	TunnelID     string `json:"tunnel_id"`
	CreatedAt    string `json:"created_at"`
	RequestCount uint64 `json:"request_count"`
}

// statusBody is the /status response body, per spec.md §6.
type statusBody struct {
	Status        string         `json:"status"`
	ActiveTunnels int            `json:"active_tunnels"`
	Tunnels       []statusTunnel `json:"tunnels"`
}

// StatusHandler serves GET /status: a JSON snapshot of the registry. It
// never fails.
type StatusHandler struct {
	registry *Registry
}

// NewStatusHandler builds a status handler bound to the given registry.
func NewStatusHandler(registry *Registry) *StatusHandler {
	return &StatusHandler{registry: registry}
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snaps := h.registry.Snapshot()
	tunnels := make([]statusTunnel, 0, len(snaps))
	for _, s := range snaps {
		tunnels = append(tunnels, statusTunnel{
			Subdomain:    s.Subdomain,
			TunnelID:     s.TunnelID,
			CreatedAt:    s.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			RequestCount: s.RequestCount,
		})
	}

	body := statusBody{
		Status:        "running",
		ActiveTunnels: len(tunnels),
		Tunnels:       tunnels,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}
