package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	stageDuration  *prom.HistogramVec
	stageResults   *prom.CounterVec
	discovered     *prom.CounterVec
	sourceFailures *prom.CounterVec
	llmCalls       *prom.CounterVec
	llmCost        *prom.CounterVec
	casesCreated   prom.Counter
	casesMerged    prom.Counter
	queueDepth     *prom.GaugeVec
}

// NewPrometheusRecorder constructs and registers the watchdog metrics.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "watchdog",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "watchdog",
			Name:      "stage_results_total",
			Help:      "Stage result counts by outcome",
		}, []string{"stage", "result"}),
		discovered: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "watchdog",
			Name:      "documents_discovered_total",
			Help:      "Documents discovered per platform",
		}, []string{"platform"}),
		sourceFailures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "watchdog",
			Name:      "source_failures_total",
			Help:      "Discovery failures per platform",
		}, []string{"platform"}),
		llmCalls: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "watchdog",
			Name:      "llm_calls_total",
			Help:      "Model calls by model and stage",
		}, []string{"model", "stage"}),
		llmCost: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "watchdog",
			Name:      "llm_cost_eur_total",
			Help:      "Estimated model spend in EUR",
		}, []string{"model"}),
		casesCreated: prom.NewCounter(prom.CounterOpts{
			Namespace: "watchdog",
			Name:      "cases_created_total",
			Help:      "Cases created",
		}),
		casesMerged: prom.NewCounter(prom.CounterOpts{
			Namespace: "watchdog",
			Name:      "cases_merged_total",
			Help:      "Documents merged into existing cases",
		}),
		queueDepth: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "watchdog",
			Name:      "documents_by_status",
			Help:      "Documents per pipeline status",
		}, []string{"status"}),
	}
	reg.MustRegister(pr.stageDuration, pr.stageResults, pr.discovered, pr.sourceFailures,
		pr.llmCalls, pr.llmCost, pr.casesCreated, pr.casesMerged, pr.queueDepth)
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	p.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (p *PrometheusRecorder) AddDocumentsDiscovered(platform string, n int) {
	p.discovered.WithLabelValues(platform).Add(float64(n))
}

func (p *PrometheusRecorder) IncSourceFailure(platform string) {
	p.sourceFailures.WithLabelValues(platform).Inc()
}

func (p *PrometheusRecorder) IncLLMCall(model, stage string) {
	p.llmCalls.WithLabelValues(model, stage).Inc()
}

func (p *PrometheusRecorder) AddLLMCost(model string, eur float64) {
	p.llmCost.WithLabelValues(model).Add(eur)
}

func (p *PrometheusRecorder) IncCaseCreated() { p.casesCreated.Inc() }
func (p *PrometheusRecorder) IncCaseMerged()  { p.casesMerged.Inc() }

func (p *PrometheusRecorder) SetQueueDepth(status string, n int) {
	p.queueDepth.WithLabelValues(status).Set(float64(n))
}

// HTTPHandler serves the registry for scraping.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
