package broker

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/darkden-lab/relay/internal/httputil"
	"github.com/darkden-lab/relay/internal/logging"
)

const maxPublishBody = 256 << 10

// Controller is the supervisor surface exposed to operators.
type Controller interface {
	Start() (StartResult, error)
	Status() Status
	Publish(ctx context.Context, queue string, payload interface{}) error
}

// AdminHandlers exposes consumer control to platform operators.
type AdminHandlers struct {
	ctl Controller
}

func NewAdminHandlers(ctl Controller) *AdminHandlers {
	return &AdminHandlers{ctl: ctl}
}

// RegisterRoutes wires the admin endpoints. The caller guards r with
// authentication and the operator role.
func (h *AdminHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/admin/consumer/start", h.Start).Methods("POST")
	r.HandleFunc("/api/admin/consumer/status", h.Status).Methods("GET")
	r.HandleFunc("/api/admin/consumer/publish", h.Publish).Methods("POST")
}

// Start handles POST /api/admin/consumer/start
func (h *AdminHandlers) Start(w http.ResponseWriter, r *http.Request) {
	res, err := h.ctl.Start()
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":  "failed to start consumer",
			"status": res.Status,
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// Status handles GET /api/admin/consumer/status
func (h *AdminHandlers) Status(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.ctl.Status())
}

type publishRequest struct {
	Queue   string          `json:"queue"`
	Payload json.RawMessage `json:"payload"`
}

// Publish handles POST /api/admin/consumer/publish
func (h *AdminHandlers) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := httputil.DecodeJSON(r, maxPublishBody, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		httputil.WriteError(w, http.StatusBadRequest, "payload is required")
		return
	}

	if err := h.ctl.Publish(r.Context(), req.Queue, req.Payload); err != nil {
		logging.Error().Err(err).Str("queue", req.Queue).Msg("admin publish failed")
		httputil.WriteError(w, http.StatusBadGateway, "failed to publish message")
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}
