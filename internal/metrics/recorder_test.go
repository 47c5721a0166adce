package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.ObserveStageDuration("fetch", 150*time.Millisecond)
	pr.IncStageResult("fetch", ResultSuccess)
	pr.AddDocumentsDiscovered("tweb", 3)
	pr.IncSourceFailure("dynasty")
	pr.IncLLMCall("gpt-4o-mini", "triage")
	pr.AddLLMCost("gpt-4o-mini", 0.002)
	pr.IncCaseCreated()
	pr.IncCaseMerged()
	pr.SetQueueDepth("new", 7)
	// Basic scrape to ensure metrics encode without panic
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatalf("expected metrics, got none")
	}
}

func TestNoopRecorderIsRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.ObserveStageDuration("fetch", time.Second)
	r.IncStageResult("fetch", ResultPermanent)
}
