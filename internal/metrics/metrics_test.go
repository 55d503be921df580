package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCountsOperations(t *testing.T) {
	recorder := NewRecorder()
	recorder.ObserveOperation("install", OutcomeSuccess, 10*time.Millisecond)
	recorder.ObserveOperation("install", OutcomeSuccess, 5*time.Millisecond)
	recorder.ObserveOperation("install", OutcomeFailure, time.Millisecond)

	if got := testutil.ToFloat64(recorder.operations.WithLabelValues("install", OutcomeSuccess)); got != 2 {
		t.Fatalf("expected 2 successful installs, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.operations.WithLabelValues("install", OutcomeFailure)); got != 1 {
		t.Fatalf("expected 1 failed install, got %v", got)
	}
}

func TestRecorderIgnoresNonPositiveSkips(t *testing.T) {
	recorder := NewRecorder()
	recorder.AddSkippedRows("waypoint", 0)
	recorder.AddSkippedRows("waypoint", 3)

	if got := testutil.ToFloat64(recorder.skippedRows.WithLabelValues("waypoint")); got != 3 {
		t.Fatalf("expected 3 skipped rows, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var recorder *Recorder
	recorder.ObserveOperation("finalize", OutcomeNoop, time.Millisecond)
	recorder.AddSkippedRows("comment", 1)
	recorder.CountVote("route", "insert")
}

func TestRecorderHandlerExposesNamespace(t *testing.T) {
	recorder := NewRecorder()
	recorder.CountVote("waypoint", "insert")

	response := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	if response.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", response.Code)
	}
	if !strings.Contains(response.Body.String(), "trailsync_ratings_votes_total") {
		t.Fatalf("expected vote counter in exposition, got %s", response.Body.String())
	}
}
