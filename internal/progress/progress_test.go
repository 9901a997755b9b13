package progress

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestReporter_Metrics(t *testing.T) {
	m := NewMetrics()
	r := New("parks", m)

	r.Start(250)
	if got := testutil.ToFloat64(m.total.WithLabelValues("parks")); got != 250 {
		t.Errorf("expected total 250, got %v", got)
	}

	r.Update(101)
	if got := testutil.ToFloat64(m.position.WithLabelValues("parks")); got != 101 {
		t.Errorf("expected position 101, got %v", got)
	}

	r.Done(250)
	if got := testutil.ToFloat64(m.features.WithLabelValues("parks")); got != 250 {
		t.Errorf("expected 250 features written, got %v", got)
	}
}

func TestReporter_WithoutMetrics(t *testing.T) {
	r := New("parks", nil)
	r.Start(1)
	r.Update(1)
	r.Done(1)
}

func TestObserveExport(t *testing.T) {
	m := NewMetrics()
	m.ObserveExport("parks", nil, time.Second)
	m.ObserveExport("parks", errors.New("boom"), time.Second)
	m.ObserveExport("parks", nil, time.Second)

	if got := testutil.ToFloat64(m.exports.WithLabelValues("parks", "ok")); got != 2 {
		t.Errorf("expected 2 successful exports, got %v", got)
	}
	if got := testutil.ToFloat64(m.exports.WithLabelValues("parks", "error")); got != 1 {
		t.Errorf("expected 1 failed export, got %v", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	m := NewMetrics()
	r := New("wells", m)
	r.Start(3)
	r.Done(3)

	path := filepath.Join(t.TempDir(), "layer2geojson.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `layer2geojson_features_written_total{layer="wells"} 3`) {
		t.Errorf("unexpected textfile content:\n%s", data)
	}
}
