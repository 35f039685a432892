package prometheus

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordQueuedAndDequeued(t *testing.T) {
	// Reset metrics for test isolation
	queuedTotal.Reset()
	queueDepth.Set(0)

	RecordQueued("tcp")
	RecordQueued("tcp")
	RecordQueued("stream")

	tcpCount := testutil.ToFloat64(queuedTotal.WithLabelValues("tcp"))
	if tcpCount != 2 {
		t.Errorf("Expected 2 tcp queued, got %f", tcpCount)
	}
	depth := testutil.ToFloat64(queueDepth)
	if depth != 3 {
		t.Errorf("Expected depth 3, got %f", depth)
	}

	RecordDequeued()
	RecordDequeued()
	depth = testutil.ToFloat64(queueDepth)
	if depth != 1 {
		t.Errorf("Expected depth 1 after dequeues, got %f", depth)
	}
}

func TestRecordRejected(t *testing.T) {
	queueRejectedTotal.Reset()

	RecordRejected("tcp")
	RecordRejected("tcp")

	count := testutil.ToFloat64(queueRejectedTotal.WithLabelValues("tcp"))
	if count != 2 {
		t.Errorf("Expected 2 rejections, got %f", count)
	}
}

func TestRecordWrapperStatusLabel(t *testing.T) {
	wrapperDuration.Reset()

	RecordWrapper("slack", nil, 0.5)
	RecordWrapper("slack", errors.New("boom"), 1.2)

	if count := testutil.CollectAndCount(wrapperDuration); count == 0 {
		t.Error("Expected non-zero histogram observations")
	}
}

func TestRecordSend(t *testing.T) {
	sendsTotal.Reset()

	RecordSend("dummy", nil)
	RecordSend("dummy", nil)
	RecordSend("dummy", errors.New("downstream"))

	success := testutil.ToFloat64(sendsTotal.WithLabelValues("dummy", "success"))
	failed := testutil.ToFloat64(sendsTotal.WithLabelValues("dummy", "error"))
	if success != 2 {
		t.Errorf("Expected 2 successful sends, got %f", success)
	}
	if failed != 1 {
		t.Errorf("Expected 1 failed send, got %f", failed)
	}
}

func TestExporterServesMetrics(t *testing.T) {
	queuedTotal.Reset()
	RecordQueued("pubsub")

	exporter := NewExporter("127.0.0.1:0")
	srv := httptest.NewServer(exporter.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !strings.Contains(string(body), "notify_queued_total") {
		t.Error("Expected notify_queued_total in metrics output")
	}
}

func TestExporterShutdown(t *testing.T) {
	exporter := NewExporterWithRegistry("127.0.0.1:0", prometheus.NewRegistry())

	done := make(chan error, 1)
	go func() { done <- exporter.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := exporter.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Fatalf("unexpected server error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
