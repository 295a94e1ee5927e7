package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if checksTotal == nil || checkDurationSeconds == nil || changesTotal == nil ||
		queuedChecks == nil || runningChecks == nil || notificationsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveCheck("ok", 2*time.Second)
	if val := testutil.ToFloat64(checksTotal.WithLabelValues("ok")); val != 1 {
		t.Errorf("expected checksTotal{ok} to be 1, got %f", val)
	}

	ObserveNotification("mail", "success")
	if val := testutil.ToFloat64(notificationsTotal.WithLabelValues("mail", "success")); val != 1 {
		t.Errorf("expected notificationsTotal{mail,success} to be 1, got %f", val)
	}

	SetQueuedChecks(3)
	if val := testutil.ToFloat64(queuedChecks); val != 3 {
		t.Errorf("expected queuedChecks to be 3, got %f", val)
	}

	IncRunningChecks()
	IncRunningChecks()
	DecRunningChecks()
	if val := testutil.ToFloat64(runningChecks); val != 1 {
		t.Errorf("expected runningChecks to be 1, got %f", val)
	}

	AddTrackedLinks(5)
	AddTrackedLinks(-2)
	if val := testutil.ToFloat64(trackedLinksAddedTotal); val != 5 {
		t.Errorf("expected trackedLinksAddedTotal to be 5, got %f", val)
	}
}
