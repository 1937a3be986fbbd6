package core

import (
	"amrcore/pkg/domain"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestExpvarMetricsRecorderAggregates(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	ctx := context.Background()
	rec.Observe(ctx, "predict", true, 2*time.Millisecond)
	rec.Observe(ctx, "predict", false, 3*time.Millisecond)
	rec.Observe(ctx, "", true, time.Second)

	snap := rec.Snapshot()
	if snap.DurationsMS["predict"] != 5 {
		t.Fatalf("expected 5ms total, got %v", snap.DurationsMS["predict"])
	}
	if snap.Results["predict"]["success"] != 1 || snap.Results["predict"]["error"] != 1 {
		t.Fatalf("unexpected results %+v", snap.Results)
	}
	if ops := rec.Operations(); len(ops) != 1 || ops[0] != "predict" {
		t.Fatalf("unexpected operations %v", ops)
	}
	if !strings.HasPrefix(rec.Name(), "amrcore_service_metrics_") {
		t.Fatalf("unexpected generated name %q", rec.Name())
	}
}

func TestJSONTracerWritesLines(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	_, span := tracer.Start(context.Background(), "delete_file")
	span.End(errors.New("file 9 not found"))
	_, span = tracer.Start(context.Background(), "predict")
	span.End(nil)

	entries := tracer.Entries()
	if len(entries) != 2 || entries[0].Status != "error" || entries[1].Status != "success" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two JSON lines, got %q", buf.String())
	}
	var first JSONTraceEntry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Operation != "delete_file" || first.Error != "file 9 not found" {
		t.Fatalf("unexpected first entry %+v", first)
	}
}

func TestPrometheusRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	rec.Observe(context.Background(), "predict", true, 10*time.Millisecond)
	rec.Observe(context.Background(), "predict", true, 20*time.Millisecond)
	if got := testutil.ToFloat64(rec.totals.WithLabelValues("predict", "success")); got != 2 {
		t.Fatalf("expected 2 successful predictions, got %v", got)
	}
	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}

	gauges, err := NewTrainingGauges(reg)
	if err != nil {
		t.Fatalf("gauges: %v", err)
	}
	gauges.ClassifierTrained(domain.ClassGN, "amikacin", domain.Metrics{F1: 0.8}, domain.PerformanceBetter)
	gauges.ClassifierTrained(domain.ClassGN, "amikacin", domain.Metrics{F1: 0.6}, domain.PerformanceWorse)
	if got := testutil.ToFloat64(gauges.deployedF1.WithLabelValues("GN", "amikacin")); got != 0.8 {
		t.Fatalf("expected deployed F1 0.8, got %v", got)
	}
	if got := testutil.ToFloat64(gauges.trained.WithLabelValues("GN", "worse")); got != 1 {
		t.Fatalf("expected one worse classifier, got %v", got)
	}
}

func TestLogrusLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	logger.Info("upload ingested", "file_id", 3, "rows", 120, "dangling")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if line["msg"] != "upload ingested" || line["file_id"] != float64(3) || line["dangling"] != "(missing)" {
		t.Fatalf("unexpected log line %v", line)
	}

	for _, tc := range []struct{ level, format string }{{"loud", "text"}, {"info", "xml"}} {
		if _, err := NewLogger(&buf, tc.level, tc.format); err == nil {
			t.Fatalf("expected error for level %q format %q", tc.level, tc.format)
		}
	}
}
