package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRecordCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordBatchWritten()
	m.RecordBatchWritten()
	m.RecordBatchFailed()
	m.RecordArchiveFailed()
	m.RecordRetry()
	m.RecordRetry()
	m.RecordRetry()

	r := m.GenerateReport()
	if r.BatchesWritten != 2 {
		t.Errorf("BatchesWritten = %d, want 2", r.BatchesWritten)
	}
	if r.BatchesFailed != 1 {
		t.Errorf("BatchesFailed = %d, want 1", r.BatchesFailed)
	}
	if r.ArchivesFailed != 1 {
		t.Errorf("ArchivesFailed = %d, want 1", r.ArchivesFailed)
	}
	if r.Retries != 3 {
		t.Errorf("Retries = %d, want 3", r.Retries)
	}
}

func TestReportMarshalJSON(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordBatchWritten()
	r := m.GenerateReport()

	data, err := r.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON failed: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty JSON output")
	}
}

func TestReportString(t *testing.T) {
	m := New(prometheus.NewRegistry())
	r := m.GenerateReport()
	if r.String() == "" {
		t.Error("expected non-empty summary string")
	}
}
