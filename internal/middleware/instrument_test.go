package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/darkden-lab/relay/internal/metrics"
)

func TestInstrumentRecordsRouteTemplate(t *testing.T) {
	r := mux.NewRouter()
	r.Use(Instrument)
	r.HandleFunc("/api/notifications/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods(http.MethodPut)

	counter := metrics.APIRequestsTotal.WithLabelValues(http.MethodPut, "/api/notifications/{id}/read", "404")
	before := testutil.ToFloat64(counter)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/api/notifications/abc/read", nil))

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("expected one request recorded under the template, got %v", got)
	}
}

func TestStatusRecorderKeepsFlusher(t *testing.T) {
	var flushed bool
	handler := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushed = w.(http.Flusher)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/stream/notifications", nil))

	if !flushed {
		t.Error("wrapped writer must still implement http.Flusher")
	}
}

func TestRecoverReturns500(t *testing.T) {
	handler := Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
}
