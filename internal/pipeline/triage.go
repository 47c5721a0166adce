package pipeline

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"git.home.luguber.info/inful/watchdog/internal/llm"
	"git.home.luguber.info/inful/watchdog/internal/logfields"
	"git.home.luguber.info/inful/watchdog/internal/metrics"
	"git.home.luguber.info/inful/watchdog/internal/store"
	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

// candidateThreshold is the minimum relevance score that sends a
// document on to case building.
const candidateThreshold = 0.5

// triagePreviewChars is how much document text the deterministic
// keyword pass and the triage prompt see.
const triagePreviewChars = 2000

// triageKeywords short-circuit the model: a document matching none of
// these from a body outside the allow-list is noise.
var triageKeywords = []string{
	"kaava", "yleiskaava", "osayleiskaava", "asemakaava", "poikkeaminen",
	"maa-aines", "ympäristölupa", "meluilmoitus", "vesitalous", "ojitus",
	"kuivatus", "natura", "tuuli", "kaivos", "turve",
}

// monitoredBodies always go to the model even without keyword hits.
var monitoredBodies = map[string]struct{}{
	"Ympäristölautakunta": {},
	"Tekninen lautakunta": {},
	"Kaavoituslautakunta": {},
	"Rakennuslautakunta":  {},
	"Lupalautakunta":      {},
}

// headingPattern matches Finnish agenda item headings ("12 § Maa-aineslupa").
var headingPattern = regexp.MustCompile(`(?m)^\s*\d+\s*§.*$`)

// RunTriageOnce claims one extracted document and classifies it.
// Returns false when no work was available.
func (p *Pipeline) RunTriageOnce(ctx context.Context) (bool, error) {
	if p.llmPaused() {
		return false, nil
	}
	doc, ok, err := p.store.ClaimNext(ctx, store.StageTriage)
	if err != nil || !ok {
		return false, err
	}
	defer p.store.Release(doc.ID)

	start := time.Now()
	if err := p.triageDocument(ctx, doc); err != nil {
		p.fail(ctx, doc, store.StageTriage, err)
	}
	p.observe(store.StageTriage, start)
	return true, nil
}

func (p *Pipeline) triageDocument(ctx context.Context, doc *store.Document) error {
	log := p.log.With(logfields.Document(doc.ID), logfields.Stage(string(store.StageTriage)))

	files, err := p.store.FilesByDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	text := combinedText(files)
	preview := firstChars(text, triagePreviewChars)

	if !keywordHit(doc.Title+" "+doc.Body+" "+preview) && !bodyMonitored(doc.Body) {
		log.Debug("no environmental keywords, short-circuit")
		if err := p.store.RecordTriage(ctx, doc.ID, 0, nil, "no environmental keywords"); err != nil {
			return err
		}
		p.rec.IncStageResult(string(store.StageTriage), metrics.ResultSkipped)
		return p.markProcessed(ctx, doc, store.DocExtracted, log)
	}

	if p.llm == nil {
		return werrors.New(werrors.KindInternal, "llm disabled: OPENAI_API_KEY not configured")
	}
	in := llm.TriageInput{
		Municipality: p.municipality(ctx, doc.SourceID),
		Body:         doc.Body,
		Title:        doc.Title,
		MeetingDate:  formatDate(doc.MeetingDate),
		Headings:     headings(text),
		Text:         preview,
	}
	if paused, err := p.budgetExceeded(ctx, doc, llm.ProjectedTriageCost(in, p.cfg.TriageMaxTokens)); err != nil || paused {
		return err
	}

	result, usage, err := p.llm.Triage(ctx, in, p.cfg.TriageMaxTokens)
	if rerr := p.recordUsage(ctx, doc.ID, string(store.StageTriage), usage); rerr != nil {
		return rerr
	}
	if err != nil {
		return err
	}

	if err := p.store.RecordTriage(ctx, doc.ID, result.RelevanceScore, result.Categories, result.Reason); err != nil {
		return err
	}
	p.rec.IncStageResult(string(store.StageTriage), metrics.ResultSuccess)

	if result.RelevanceScore >= candidateThreshold && len(result.Categories) > 0 {
		// Stays in extracted; the case-build claim picks it up from
		// the persisted triage columns.
		log.Info("candidate found", "score", result.RelevanceScore, "categories", strings.Join(result.Categories, ","))
		return nil
	}
	log.Debug("below threshold", "score", result.RelevanceScore)
	return p.markProcessed(ctx, doc, store.DocExtracted, log)
}

// budgetExceeded pauses a document at its current status when the
// upcoming call's projected cost would push the month's spend over the
// cap. No error: the claim predicate finds the document again when the
// window rolls over.
func (p *Pipeline) budgetExceeded(ctx context.Context, doc *store.Document, projected float64) (bool, error) {
	spent, err := p.store.MonthToDateCost(ctx)
	if err != nil {
		return false, err
	}
	if spent+projected <= p.cfg.LLMMonthlyBudgetEUR {
		return false, nil
	}
	p.pauseLLMUntilNextMonth()
	p.log.Warn("llm budget exhausted, pausing document",
		logfields.Document(doc.ID), logfields.CostEUR(spent), "projected_eur", projected)
	return true, p.store.SetLastFailure(ctx, doc.ID, string(werrors.KindBudgetExhausted))
}

func (p *Pipeline) recordUsage(ctx context.Context, docID int64, stage string, usage *llm.Usage) error {
	if usage == nil || (usage.PromptTokens == 0 && usage.CompletionTokens == 0) {
		return nil
	}
	p.rec.IncLLMCall(usage.Model, stage)
	p.rec.AddLLMCost(usage.Model, usage.CostEUR)
	return p.store.RecordLLMUsage(ctx, &store.LLMUsage{
		DocumentID:       docID,
		Model:            usage.Model,
		Stage:            stage,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		EstimatedCostEUR: usage.CostEUR,
	})
}

func (p *Pipeline) markProcessed(ctx context.Context, doc *store.Document, from store.DocumentStatus, log *slog.Logger) error {
	ok, err := p.store.TransitionDocument(ctx, doc.ID, from, store.DocProcessed)
	if err != nil {
		return err
	}
	if !ok {
		log.Debug("lost commit race, discarding")
	}
	return nil
}

// municipality resolves the owning source's municipality, tolerating
// lookup failure (the prompt then says Unknown).
func (p *Pipeline) municipality(ctx context.Context, sourceID int64) string {
	src, err := p.store.GetSource(ctx, sourceID)
	if err != nil {
		return ""
	}
	return src.Municipality
}

func keywordHit(text string) bool {
	l := strings.ToLower(text)
	for _, kw := range triageKeywords {
		if strings.Contains(l, kw) {
			return true
		}
	}
	return false
}

func bodyMonitored(body string) bool {
	_, ok := monitoredBodies[body]
	return ok
}

// headings pulls agenda item headings out of extracted text, bounded.
func headings(text string) string {
	matches := headingPattern.FindAllString(text, 20)
	for i, m := range matches {
		matches[i] = strings.TrimSpace(m)
	}
	return strings.Join(matches, "; ")
}

func firstChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
