package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"git.home.luguber.info/inful/watchdog/internal/llm"
	"git.home.luguber.info/inful/watchdog/internal/logfields"
	"git.home.luguber.info/inful/watchdog/internal/metrics"
	"git.home.luguber.info/inful/watchdog/internal/store"
	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

const headlineMaxChars = 300

// RunCaseBuildOnce claims one triage candidate and turns it into a new
// case or fresh evidence on an existing one. Returns false when no
// work was available.
func (p *Pipeline) RunCaseBuildOnce(ctx context.Context) (bool, error) {
	if p.llmPaused() {
		return false, nil
	}
	doc, ok, err := p.store.ClaimNext(ctx, store.StageCaseBuild)
	if err != nil || !ok {
		return false, err
	}
	defer p.store.Release(doc.ID)

	start := time.Now()
	if err := p.buildCase(ctx, doc); err != nil {
		p.fail(ctx, doc, store.StageCaseBuild, err)
	}
	p.observe(store.StageCaseBuild, start)
	return true, nil
}

func (p *Pipeline) buildCase(ctx context.Context, doc *store.Document) error {
	log := p.log.With(logfields.Document(doc.ID), logfields.Stage(string(store.StageCaseBuild)))

	// A re-claimed document that already produced cases (crash between
	// case insert and the status commit) only needs the commit.
	existing, err := p.store.CasesForDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		log.Debug("cases already built, committing")
		return p.markProcessed(ctx, doc, store.DocExtracted, log)
	}

	if p.llm == nil {
		return werrors.New(werrors.KindInternal, "llm disabled: OPENAI_API_KEY not configured")
	}

	files, err := p.store.FilesByDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	municipality := p.municipality(ctx, doc.SourceID)
	in := llm.CaseInput{
		Municipality: municipality,
		Body:         doc.Body,
		Title:        doc.Title,
		MeetingDate:  formatDate(doc.MeetingDate),
		Categories:   doc.TriageCategories,
		Text:         combinedText(files),
	}
	if paused, err := p.budgetExceeded(ctx, doc, llm.ProjectedCaseCost(in, p.cfg.CaseBuildMaxTokens)); err != nil || paused {
		return err
	}

	result, usage, err := p.llm.BuildCase(ctx, in, p.cfg.CaseBuildMaxTokens)
	if rerr := p.recordUsage(ctx, doc.ID, string(store.StageCaseBuild), usage); rerr != nil {
		return rerr
	}
	if err != nil {
		return err
	}

	cand := candidateCase{
		Category:     primaryCategory(doc.TriageCategories),
		Headline:     headlineOrTitle(result.Headline, doc.Title),
		Entities:     result.Entities,
		Locations:    result.Locations,
		Municipality: municipality,
	}
	candidates, err := p.store.FindMergeCandidates(ctx, []string{municipality}, cand.Category)
	if err != nil {
		return err
	}

	if target := bestMergeTarget(candidates, cand); target != nil {
		if err := p.mergeIntoCase(ctx, target, doc, result, municipality); err != nil {
			return err
		}
		p.events.CaseMerged(target.ID, doc.ID)
		log.Info("merged into existing case", logfields.Case(target.ID))
	} else {
		caseID, err := p.createCase(ctx, doc, result, cand, files)
		if err != nil {
			return err
		}
		p.events.CaseCreated(caseID, doc.ID, cand.Category)
		log.Info("case created", logfields.Case(caseID))
	}

	p.rec.IncStageResult(string(store.StageCaseBuild), metrics.ResultSuccess)
	return p.markProcessed(ctx, doc, store.DocExtracted, log)
}

func (p *Pipeline) mergeIntoCase(ctx context.Context, target *store.Case, doc *store.Document, result *llm.CaseResult, municipality string) error {
	err := p.store.UpdateCaseMerge(ctx, target.ID,
		[]string{municipality}, result.Entities, result.Locations,
		store.CaseStatus(result.Status), store.Confidence(result.Confidence), result.ConfidenceReason)
	if err != nil {
		return err
	}
	for _, ev := range result.Evidence {
		if err := p.store.AddEvidence(ctx, target.ID, &store.Evidence{
			CaseID:     target.ID,
			DocumentID: doc.ID,
			Page:       ev.Page,
			Snippet:    ev.Snippet,
			SourceURL:  doc.SourceURL,
		}); err != nil {
			return err
		}
	}
	p.rec.IncCaseMerged()

	payload, _ := json.Marshal(map[string]int64{"document_id": doc.ID})
	return p.store.AppendCaseEvent(ctx, &store.CaseEvent{
		CaseID:    target.ID,
		EventType: "evidence_added",
		Payload:   payload,
	})
}

func (p *Pipeline) createCase(ctx context.Context, doc *store.Document, result *llm.CaseResult, cand candidateCase, files []*store.File) (int64, error) {
	munis := []string{}
	if cand.Municipality != "" {
		munis = append(munis, cand.Municipality)
	}
	c := &store.Case{
		PrimaryCategory:  cand.Category,
		Headline:         cand.Headline,
		Summary:          result.Summary,
		Status:           store.CaseStatus(result.Status),
		Confidence:       store.Confidence(result.Confidence),
		ConfidenceReason: result.ConfidenceReason,
		Municipalities:   munis,
		Entities:         result.Entities,
		Locations:        result.Locations,
	}

	evidence := make([]*store.Evidence, 0, len(result.Evidence))
	for _, ev := range result.Evidence {
		evidence = append(evidence, &store.Evidence{
			DocumentID: doc.ID,
			FileID:     firstFileID(files),
			Page:       ev.Page,
			Snippet:    ev.Snippet,
			SourceURL:  doc.SourceURL,
		})
	}
	if len(evidence) == 0 {
		// The model cited nothing; anchor the case on the document itself.
		evidence = append(evidence, &store.Evidence{
			DocumentID: doc.ID,
			FileID:     firstFileID(files),
			Snippet:    firstChars(doc.Title, 200),
			SourceURL:  doc.SourceURL,
		})
	}

	caseID, err := p.store.CreateCase(ctx, c, evidence)
	if err != nil {
		return 0, err
	}
	p.rec.IncCaseCreated()

	for _, item := range result.Timeline {
		ev := &store.CaseEvent{
			CaseID:    caseID,
			EventType: classifyEvent(item.Event),
			EventTime: parseEventDate(item.Date),
		}
		ev.Payload, _ = json.Marshal(map[string]string{"description": item.Event})
		if err := p.store.AppendCaseEvent(ctx, ev); err != nil {
			return 0, err
		}
	}
	return caseID, nil
}

// classifyEvent maps a free-text Finnish timeline entry to an event
// type by keyword.
func classifyEvent(event string) string {
	l := strings.ToLower(event)
	switch {
	case strings.Contains(l, "hyväksy") || strings.Contains(l, "hyvaksy"):
		return "approved"
	case strings.Contains(l, "kuulutus") || strings.Contains(l, "nähtävillä") || strings.Contains(l, "nahtavilla"):
		return "published_notice"
	case strings.Contains(l, "valitus") || strings.Contains(l, "muistutus"):
		return "complaint_window"
	default:
		return "next_handling"
	}
}

func parseEventDate(s string) *time.Time {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &t
}

func primaryCategory(categories []string) string {
	if len(categories) == 0 {
		return ""
	}
	return categories[0]
}

func headlineOrTitle(headline, title string) string {
	h := strings.TrimSpace(headline)
	if h == "" {
		h = title
	}
	return firstChars(h, headlineMaxChars)
}

func firstFileID(files []*store.File) *int64 {
	for _, f := range files {
		if f.TextStatus == store.TextExtracted || f.TextStatus == store.TextOCRDone {
			id := f.ID
			return &id
		}
	}
	return nil
}
