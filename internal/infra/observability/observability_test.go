package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ─── Metric Registration ────────────────────────────────────────────────────

func TestLedgerOperations_Increment(t *testing.T) {
	before := testutil.ToFloat64(LedgerOperations.WithLabelValues("add", "ok"))
	LedgerOperations.WithLabelValues("add", "ok").Inc()
	after := testutil.ToFloat64(LedgerOperations.WithLabelValues("add", "ok"))
	if after-before != 1 {
		t.Errorf("LedgerOperations delta = %f, want 1", after-before)
	}
}

func TestNotificationPendingRecipients_Gauge(t *testing.T) {
	NotificationPendingRecipients.Set(3)
	if got := testutil.ToFloat64(NotificationPendingRecipients); got != 3 {
		t.Errorf("NotificationPendingRecipients = %f, want 3", got)
	}
	NotificationPendingRecipients.Set(0)
}

func TestAuditFindings_Labels(t *testing.T) {
	AuditFindings.WithLabelValues("negative_balance", "high").Add(2)
	if got := testutil.ToFloat64(AuditFindings.WithLabelValues("negative_balance", "high")); got < 2 {
		t.Errorf("AuditFindings = %f, want >= 2", got)
	}
}

func TestMetricsCollect(t *testing.T) {
	EventsPublished.WithLabelValues("points_awarded").Inc()
	if n := testutil.CollectAndCount(EventsPublished); n < 1 {
		t.Errorf("EventsPublished series = %d, want >= 1", n)
	}
}
