package stream

import (
	"fmt"
	"net/http"
	"time"

	"github.com/darkden-lab/relay/internal/httputil"
	"github.com/darkden-lab/relay/internal/hub"
)

type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(event string, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (h *Handler) serveSSE(channel hub.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope, claims, err := h.authorize(r, channel)
		if err != nil {
			httputil.WriteError(w, statusFor(err), err.Error())
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httputil.WriteError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		// Server-wide read and write timeouts would cut long-lived streams.
		rc := http.NewResponseController(w)
		_ = rc.SetReadDeadline(time.Time{})
		_ = rc.SetWriteDeadline(time.Time{})

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		h.run(r.Context(), &sseSink{w: w, flusher: flusher}, transportSSE, channel, scope, claims)
	}
}
