// Package pipeline implements the stage runners that move documents
// through the status machine: Discover, Fetch, Extract, Triage and
// CaseBuild. Stages claim work from the store, perform their side
// effects durably, and commit with a CAS status transition; work is
// discarded when another runner got there first.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"git.home.luguber.info/inful/watchdog/internal/config"
	"git.home.luguber.info/inful/watchdog/internal/connector"
	"git.home.luguber.info/inful/watchdog/internal/gateway"
	"git.home.luguber.info/inful/watchdog/internal/llm"
	"git.home.luguber.info/inful/watchdog/internal/logfields"
	"git.home.luguber.info/inful/watchdog/internal/metrics"
	"git.home.luguber.info/inful/watchdog/internal/store"
	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

// fetchRetryCap is how many transient fetch failures a document gets
// before it is parked in error.
const fetchRetryCap = 5

// Downloader is the slice of the gateway the pipeline needs.
type Downloader interface {
	Fetch(ctx context.Context, rawURL string) (*gateway.Response, error)
	Download(ctx context.Context, rawURL, destPath, expectedMIME string) (int64, string, error)
}

// Classifier is the slice of the LLM client the pipeline needs.
type Classifier interface {
	Triage(ctx context.Context, in llm.TriageInput, maxTokens int) (*llm.TriageResult, *llm.Usage, error)
	BuildCase(ctx context.Context, in llm.CaseInput, maxTokens int) (*llm.CaseResult, *llm.Usage, error)
}

// Extractor turns stored PDFs into text.
type Extractor interface {
	// ExtractText returns the embedded text and the page count.
	ExtractText(ctx context.Context, path string) (string, int, error)
	// OCR rasterizes and recognizes a scanned PDF.
	OCR(ctx context.Context, path string) (string, error)
}

// Events receives notifications about externally interesting outcomes.
// The daemon bridges these onto the message bus.
type Events interface {
	CaseCreated(caseID, docID int64, category string)
	CaseMerged(caseID, docID int64)
	SourceFailed(sourceID int64, platform, cause string)
}

type noopEvents struct{}

func (noopEvents) CaseCreated(int64, int64, string)   {}
func (noopEvents) CaseMerged(int64, int64)            {}
func (noopEvents) SourceFailed(int64, string, string) {}

// Pipeline wires the stages over shared infrastructure.
type Pipeline struct {
	store   *store.Store
	gw      Downloader
	llm     Classifier
	extract Extractor
	cfg     *config.Settings
	rec     metrics.Recorder
	log     *slog.Logger
	events  Events

	// connect is swappable in tests.
	connect func(*store.Source) (connector.Connector, error)

	// llmPausedUntil blocks the LLM stages once the monthly budget is
	// spent; claiming resumes in the next calendar month. Without this
	// gate a paused document would be claimed again immediately and the
	// drain loop would spin on it.
	pauseMu        sync.Mutex
	llmPausedUntil time.Time
}

func (p *Pipeline) llmPaused() bool {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	return time.Now().UTC().Before(p.llmPausedUntil)
}

func (p *Pipeline) pauseLLMUntilNextMonth() {
	now := time.Now().UTC()
	next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	p.pauseMu.Lock()
	p.llmPausedUntil = next
	p.pauseMu.Unlock()
}

// SetEvents installs an event sink. Must be called before any Run
// method; the default sink discards everything.
func (p *Pipeline) SetEvents(e Events) {
	if e != nil {
		p.events = e
	}
}

// New builds a Pipeline. llmClient may be nil when no API key is
// configured; LLM stages then park documents instead of calling out.
func New(st *store.Store, gw Downloader, llmClient Classifier, ex Extractor, cfg *config.Settings, rec metrics.Recorder) *Pipeline {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	p := &Pipeline{
		store:   st,
		gw:      gw,
		llm:     llmClient,
		extract: ex,
		cfg:     cfg,
		rec:     rec,
		log:     slog.Default(),
		events:  noopEvents{},
	}
	p.connect = func(src *store.Source) (connector.Connector, error) {
		return connector.New(src, gw)
	}
	return p
}

// RunPipeline drains Fetch, Extract, Triage and CaseBuild until no
// stage finds work or the context is cancelled.
func (p *Pipeline) RunPipeline(ctx context.Context) error {
	stages := []struct {
		name string
		run  func(context.Context) (bool, error)
	}{
		{string(store.StageFetch), p.RunFetchOnce},
		{string(store.StageExtract), p.RunExtractOnce},
		{string(store.StageTriage), p.RunTriageOnce},
		{string(store.StageCaseBuild), p.RunCaseBuildOnce},
	}
	for {
		worked := false
		for _, st := range stages {
			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				did, err := st.run(ctx)
				if err != nil {
					return err
				}
				if !did {
					break
				}
				worked = true
			}
		}
		if !worked {
			return nil
		}
	}
}

// fail classifies a stage failure and updates the document
// accordingly: retryable failures leave the status alone (the claim
// predicate finds the document again next tick), permanent ones park
// it in error with a diagnostic.
func (p *Pipeline) fail(ctx context.Context, doc *store.Document, stage store.Stage, err error) {
	kind := werrors.KindOf(err)
	log := p.log.With(logfields.Document(doc.ID), logfields.Stage(string(stage)), logfields.Error(err))

	if werrors.IsRetryable(err) {
		p.rec.IncStageResult(string(stage), metrics.ResultRetryable)
		if stage == store.StageFetch {
			n, rerr := p.store.IncrementRetry(ctx, doc.ID)
			if rerr != nil {
				log.Error("retry bookkeeping failed", logfields.Error(rerr))
				return
			}
			if n >= fetchRetryCap {
				log.Warn("fetch retries exhausted")
				_ = p.store.MarkDocumentError(ctx, doc.ID, string(kind)+": "+err.Error())
				return
			}
		}
		log.Debug("stage failed, will retry")
		return
	}

	p.rec.IncStageResult(string(stage), metrics.ResultPermanent)
	log.Warn("stage failed permanently")
	if merr := p.store.MarkDocumentError(ctx, doc.ID, string(kind)+": "+err.Error()); merr != nil {
		log.Error("could not mark document error", logfields.Error(merr))
	}
}

func (p *Pipeline) observe(stage store.Stage, start time.Time) {
	p.rec.ObserveStageDuration(string(stage), time.Since(start))
}

// combinedText joins the extracted text of a document's files in URL
// order, skipping files that produced nothing.
func combinedText(files []*store.File) string {
	var parts []string
	for _, f := range files {
		if f.TextStatus != store.TextExtracted && f.TextStatus != store.TextOCRDone {
			continue
		}
		if strings.TrimSpace(f.TextContent) == "" {
			continue
		}
		parts = append(parts, f.TextContent)
	}
	return strings.Join(parts, "\n\n---\n\n")
}
