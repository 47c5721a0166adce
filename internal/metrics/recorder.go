package metrics

import "time"

// ResultLabel enumerates stage result categories for counters.
type ResultLabel string

const (
	ResultSuccess   ResultLabel = "success"
	ResultRetryable ResultLabel = "retryable"
	ResultPermanent ResultLabel = "permanent"
	ResultSkipped   ResultLabel = "skipped"
)

// Recorder defines observability hooks for the pipeline. Implementations
// may forward to Prometheus; NoopRecorder is the default when no metrics
// endpoint is configured.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	IncStageResult(stage string, result ResultLabel)
	AddDocumentsDiscovered(platform string, n int)
	IncSourceFailure(platform string)
	IncLLMCall(model, stage string)
	AddLLMCost(model string, eur float64)
	IncCaseCreated()
	IncCaseMerged()
	SetQueueDepth(status string, n int)
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) IncStageResult(string, ResultLabel)         {}
func (NoopRecorder) AddDocumentsDiscovered(string, int)         {}
func (NoopRecorder) IncSourceFailure(string)                    {}
func (NoopRecorder) IncLLMCall(string, string)                  {}
func (NoopRecorder) AddLLMCost(string, float64)                 {}
func (NoopRecorder) IncCaseCreated()                            {}
func (NoopRecorder) IncCaseMerged()                             {}
func (NoopRecorder) SetQueueDepth(string, int)                  {}
