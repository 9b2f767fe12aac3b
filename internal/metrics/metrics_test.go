package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDispatch(t *testing.T) {
	before := testutil.ToFloat64(dispatches.WithLabelValues("feedback", OutcomeFailure))
	RecordDispatch("feedback", OutcomeFailure)
	RecordDispatch("feedback", OutcomeFailure)
	if got := testutil.ToFloat64(dispatches.WithLabelValues("feedback", OutcomeFailure)); got != before+2 {
		t.Fatalf("dispatch counter = %v, want %v", got, before+2)
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	RecordVariant()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "buildtuner_variants_recorded_total") {
		t.Fatalf("variants counter missing from exposition:\n%s", body)
	}
}
