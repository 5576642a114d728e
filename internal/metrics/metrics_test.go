package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/":                                 "/",
		"/healthz":                          "/healthz",
		"/v1/reconciliations":               "/v1/reconciliations",
		"/v1/reconciliations/abc-123":       "/v1/reconciliations/:id",
		"/v1/reconciliations/abc-123/retry": "/v1/reconciliations/:id/retry",
	}
	for in, want := range cases {
		assert.Equal(t, want, canonicalPath(in), in)
	}
}

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(resolutions.WithLabelValues("event_log"))
	RecordResolution("event_log")
	assert.Equal(t, before+1, testutil.ToFloat64(resolutions.WithLabelValues("event_log")))

	RecordMirrorWrite("animal", false)
	assert.GreaterOrEqual(t, testutil.ToFloat64(mirrorWrites.WithLabelValues("animal", "failure")), 1.0)

	SetOpenRecords(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(reconcileOpen))
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordSubmission("mint", "confirmed")

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	InstrumentHandler(inner).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "animal_rescue_ledger_submissions_total"))
	assert.True(t, strings.Contains(body, `animal_rescue_http_requests_total{method="GET",path="/healthz",status="418"}`))
}
