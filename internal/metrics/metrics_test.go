package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentHandlerLabelsByRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Get("/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/v1/jobs/{id}", "404"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/v1/jobs/{id}", "404")))
}

func TestDomainCounters(t *testing.T) {
	before := testutil.ToFloat64(jobRefunds.WithLabelValues("upscaler"))
	RecordRefund("upscaler")
	assert.Equal(t, before+1, testutil.ToFloat64(jobRefunds.WithLabelValues("upscaler")))

	RecordTransition("upscaler", "completed")
	RecordWebhook("runninghub", "applied")
	RecordSweep("reconcile", true, 20*time.Millisecond)
	RecordCampaignResume("resumed")
	RecordRealtimeDrop()
}

func TestHandlerExposesRegistry(t *testing.T) {
	RecordWebhook("runninghub", "unknown_task")

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "arcano_webhooks_received_total")
}
